package fs

import (
	"fmt"

	"github.com/sarettamcqueen/blockfs/ondisk"
)

// DebugCheck is a read-only consistency walker. It never panics or mutates
// state; it returns every structural violation it finds: bitmap bits that
// disagree with inode types, referenced blocks not marked used, link counts
// that don't match the directory entries on disk, and free counters that
// drifted from the bitmaps.
func (f *FileSystem) DebugCheck() ([]string, error) {
	if err := f.requireMounted(); err != nil {
		return nil, err
	}

	var violations []string

	if !f.isValidMagic() {
		violations = append(violations, "superblock magic mismatch")
	}

	linkCounts := make(map[uint32]uint32)

	for i := uint32(0); i < f.sb.TotalInodes; i++ {
		in, err := f.inodes.Read(i)
		if err != nil {
			violations = append(violations, fmt.Sprintf("inode %d: read failed: %v", i, err))
			continue
		}

		used, err := f.inodeBitmap.Get(int(i))
		if err != nil {
			violations = append(violations, fmt.Sprintf("inode %d: bitmap read failed: %v", i, err))
			continue
		}
		wantUsed := in.Type != ondisk.TypeFree
		if i == ondisk.InvalidInode {
			if !used || in.Type != ondisk.TypeFree {
				violations = append(violations, "reserved inode 0 must be marked used and FREE-typed")
			}
			continue
		}
		if used != wantUsed {
			violations = append(violations, fmt.Sprintf("inode %d: bitmap bit %v does not match type %v", i, used, in.Type))
		}
		if !in.IsDir() && !in.IsFile() {
			continue
		}

		for _, ptr := range in.Direct {
			if ptr == 0 {
				continue
			}
			if ok, _ := f.blockBitmap.Get(int(ptr)); !ok {
				violations = append(violations, fmt.Sprintf("inode %d: direct block %d not marked used", i, ptr))
			}
		}
		if in.Indirect != 0 {
			if ok, _ := f.blockBitmap.Get(int(in.Indirect)); !ok {
				violations = append(violations, fmt.Sprintf("inode %d: indirect block %d not marked used", i, in.Indirect))
			}
			ptrs, err := f.inodes.ReadIndirectPointers(in.Indirect)
			if err != nil {
				violations = append(violations, fmt.Sprintf("inode %d: indirect block unreadable: %v", i, err))
			} else {
				for _, ptr := range ptrs {
					if ptr == 0 {
						continue
					}
					if ok, _ := f.blockBitmap.Get(int(ptr)); !ok {
						violations = append(violations, fmt.Sprintf("inode %d: indirect-referenced block %d not marked used", i, ptr))
					}
				}
			}
		}

		if in.IsDir() {
			entries, err := f.dirs.List(in)
			if err != nil {
				violations = append(violations, fmt.Sprintf("inode %d: directory listing failed: %v", i, err))
				continue
			}
			sawDot, sawDotDot := false, false
			for _, e := range entries {
				linkCounts[e.Dentry.InodeNum]++
				switch e.Dentry.NameString() {
				case ".":
					if e.Dentry.InodeNum != i {
						violations = append(violations, fmt.Sprintf("inode %d: \".\" does not point at itself", i))
					}
					sawDot = true
				case "..":
					sawDotDot = true
				}
			}
			if !sawDot || !sawDotDot {
				violations = append(violations, fmt.Sprintf("inode %d: missing \".\" or \"..\" entry", i))
			}
		}
	}

	for i := uint32(0); i < f.sb.TotalInodes; i++ {
		in, err := f.inodes.Read(i)
		if err != nil || in.IsFree() {
			continue
		}
		want := linkCounts[i]
		if in.LinksCount != want {
			violations = append(violations, fmt.Sprintf("inode %d: links_count %d, directory scan found %d", i, in.LinksCount, want))
		}
	}

	if uint32(f.blockBitmap.CountFree()) != f.sb.FreeBlocks {
		violations = append(violations, fmt.Sprintf("superblock free_blocks %d, bitmap reports %d", f.sb.FreeBlocks, f.blockBitmap.CountFree()))
	}
	if uint32(f.inodeBitmap.CountFree()) != f.sb.FreeInodes {
		violations = append(violations, fmt.Sprintf("superblock free_inodes %d, bitmap reports %d", f.sb.FreeInodes, f.inodeBitmap.CountFree()))
	}

	return violations, nil
}

func (f *FileSystem) isValidMagic() bool {
	return f.sb.Magic == ondisk.Magic
}
