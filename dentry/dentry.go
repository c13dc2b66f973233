// Package dentry implements directory-content operations: scanning a
// directory inode's data blocks for entries, finding an entry by name,
// adding a new entry (growing the directory if needed, with rollback if the
// grow half-succeeds), and removing an entry.
package dentry

import (
	"time"

	"github.com/sarettamcqueen/blockfs/bitmap"
	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/inode"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// Entry pairs a decoded Dentry with its physical location, so callers that
// need to rewrite or clear a slot in place (Remove, Replace) don't have to
// re-scan to find it.
type Entry struct {
	Dentry ondisk.Dentry
	Block  uint32
	Offset int
}

// Dir reads and mutates the directory-entry content of a single directory
// inode. It does not itself resolve paths; vpath and the file system core
// own that.
type Dir struct {
	dev    *blockdev.Device
	inodes *inode.Table
}

// New creates a Dir backed by dev, using table to resolve and grow inodes.
func New(dev *blockdev.Device, table *inode.Table) *Dir {
	return &Dir{dev: dev, inodes: table}
}

// List returns every occupied entry in the directory described by dirInode,
// in on-disk order.
func (d *Dir) List(dirInode *ondisk.Inode) ([]Entry, error) {
	var out []Entry
	err := d.walk(dirInode, func(e Entry) (bool, error) {
		out = append(out, e)
		return true, nil
	})
	return out, err
}

// Find looks up name among dirInode's entries.
func (d *Dir) Find(dirInode *ondisk.Inode, name string) (*Entry, error) {
	var found *Entry
	err := d.walk(dirInode, func(e Entry) (bool, error) {
		if e.Dentry.NameString() == name {
			found = &e
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.Newf(errs.NotFound, "no such entry %q", name)
	}
	return found, nil
}

// walk visits every block (direct, then indirect) dirInode owns, decoding
// each dentry slot and calling visit. visit returns false to stop early.
func (d *Dir) walk(dirInode *ondisk.Inode, visit func(Entry) (bool, error)) error {
	blocks, err := d.dataBlocks(dirInode)
	if err != nil {
		return err
	}

	buf := make([]byte, blockdev.BlockSize)
	for _, block := range blocks {
		if block == 0 {
			continue
		}
		if err := d.dev.ReadBlock(block, buf); err != nil {
			return err
		}
		for slot := 0; slot < ondisk.DentriesPerBlock; slot++ {
			offset := slot * ondisk.DentrySize
			de, err := ondisk.DecodeDentry(buf[offset : offset+ondisk.DentrySize])
			if err != nil {
				return err
			}
			if de.IsFree() {
				continue
			}
			cont, err := visit(Entry{Dentry: *de, Block: block, Offset: offset})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}
	return nil
}

// dataBlocks returns every data block number dirInode references, direct
// pointers first, then the blocks named by its indirect pointer (if any).
func (d *Dir) dataBlocks(in *ondisk.Inode) ([]uint32, error) {
	blocks := make([]uint32, 0, ondisk.MaxFileBlocks)
	blocks = append(blocks, in.Direct[:]...)

	if in.Indirect != 0 {
		ptrs, err := d.inodes.ReadIndirectPointers(in.Indirect)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, ptrs[:]...)
	}
	return blocks, nil
}

// Add inserts a new entry into dirInode, which must already be persisted as
// inodeNum. It first looks for a free slot among already-allocated blocks;
// failing that, it allocates one more block (direct, or the indirect block
// plus its first pointee if this is the directory's first indirect block
// needed) and writes the entry there. If block allocation succeeds but the
// inode update that records the new block fails, the allocated block is
// released again so the block bitmap never drifts from what's reachable.
func (d *Dir) Add(dirInode *ondisk.Inode, inodeNum uint32, blockBitmap *bitmap.Bitmap, de ondisk.Dentry) error {
	if _, err := d.Find(dirInode, de.NameString()); err == nil {
		return errs.Newf(errs.Exists, "entry %q already exists", de.NameString())
	} else if errs.CodeOf(err) != errs.NotFound {
		return err
	}

	if slot, ok, err := d.findFreeSlot(dirInode); err != nil {
		return err
	} else if ok {
		return d.writeSlot(slot, de)
	}

	return d.growAndAdd(dirInode, inodeNum, blockBitmap, de)
}

type slotLocation struct {
	block  uint32
	offset int
}

// findFreeSlot looks for an unoccupied dentry slot among blocks the
// directory already owns, without allocating anything new.
func (d *Dir) findFreeSlot(dirInode *ondisk.Inode) (slotLocation, bool, error) {
	blocks, err := d.dataBlocks(dirInode)
	if err != nil {
		return slotLocation{}, false, err
	}

	buf := make([]byte, blockdev.BlockSize)
	for _, block := range blocks {
		if block == 0 {
			continue
		}
		if err := d.dev.ReadBlock(block, buf); err != nil {
			return slotLocation{}, false, err
		}
		for slot := 0; slot < ondisk.DentriesPerBlock; slot++ {
			offset := slot * ondisk.DentrySize
			de, err := ondisk.DecodeDentry(buf[offset : offset+ondisk.DentrySize])
			if err != nil {
				return slotLocation{}, false, err
			}
			if de.IsFree() {
				return slotLocation{block: block, offset: offset}, true, nil
			}
		}
	}
	return slotLocation{}, false, nil
}

func (d *Dir) writeSlot(loc slotLocation, de ondisk.Dentry) error {
	buf := make([]byte, blockdev.BlockSize)
	if err := d.dev.ReadBlock(loc.block, buf); err != nil {
		return err
	}
	encoded, err := de.Encode()
	if err != nil {
		return err
	}
	copy(buf[loc.offset:loc.offset+ondisk.DentrySize], encoded)
	return d.dev.WriteBlock(loc.block, buf)
}

// growAndAdd allocates one new data block for the directory (using a new
// direct pointer, or a fresh indirect pointer slot), writes de into its
// first slot, and persists the updated inode. If persisting the inode
// fails after the block was claimed in blockBitmap, the claim is undone.
func (d *Dir) growAndAdd(dirInode *ondisk.Inode, inodeNum uint32, blockBitmap *bitmap.Bitmap, de ondisk.Dentry) error {
	newBlock := blockBitmap.FindFirstFree()
	if newBlock == bitmap.NotFound {
		return errs.New(errs.NoSpace)
	}
	if err := blockBitmap.Set(newBlock); err != nil {
		return err
	}

	rollback := func() {
		_ = blockBitmap.Clear(newBlock)
	}

	zero := make([]byte, blockdev.BlockSize)
	if err := d.dev.WriteBlock(uint32(newBlock), zero); err != nil {
		rollback()
		return err
	}

	updated := *dirInode
	allocatedIndirect, err := attachBlock(&updated, uint32(newBlock), d, blockBitmap)
	if err != nil {
		rollback()
		return err
	}
	updated.BlocksUsed++
	updated.ModifiedTime = time.Now().Unix()

	// From here on a failure must also release the indirect block if this
	// call is what claimed it; dirInode never records it, so the bit would
	// otherwise be claimed with nothing reachable pointing at it.
	releaseClaims := func() {
		_ = blockBitmap.Clear(newBlock)
		if allocatedIndirect {
			_ = blockBitmap.Clear(int(updated.Indirect))
		}
	}

	if err := d.writeSlot(slotLocation{block: uint32(newBlock), offset: 0}, de); err != nil {
		releaseClaims()
		return err
	}

	if err := d.inodes.Write(inodeNum, &updated); err != nil {
		releaseClaims()
		return err
	}
	*dirInode = updated
	return nil
}

// attachBlock records newBlock as the next free direct pointer on in, or,
// if all twelve direct pointers are taken, as an entry in its indirect
// block (allocating the indirect block itself first if this is the first
// time in needs one). It reports whether it allocated the indirect block,
// so the caller's own rollback can release it too. If a failure happens
// inside attachBlock after the indirect block is claimed (recording the
// pointer, or discovering no slot left), the claim is released here before
// returning.
func attachBlock(in *ondisk.Inode, newBlock uint32, d *Dir, blockBitmap *bitmap.Bitmap) (bool, error) {
	for i := range in.Direct {
		if in.Direct[i] == 0 {
			in.Direct[i] = newBlock
			return false, nil
		}
	}

	allocatedIndirect := false
	if in.Indirect == 0 {
		indirectBlock := blockBitmap.FindFirstFree()
		if indirectBlock == bitmap.NotFound {
			return false, errs.New(errs.NoSpace)
		}
		if err := blockBitmap.Set(indirectBlock); err != nil {
			return false, err
		}
		var zeroPtrs [ondisk.PointersPerIndirectBlock]uint32
		if err := d.inodes.WriteIndirectPointers(uint32(indirectBlock), zeroPtrs); err != nil {
			_ = blockBitmap.Clear(indirectBlock)
			return false, err
		}
		in.Indirect = uint32(indirectBlock)
		in.BlocksUsed++
		allocatedIndirect = true
	}

	ptrs, err := d.inodes.ReadIndirectPointers(in.Indirect)
	if err != nil {
		if allocatedIndirect {
			_ = blockBitmap.Clear(int(in.Indirect))
		}
		return false, err
	}
	for i := range ptrs {
		if ptrs[i] == 0 {
			ptrs[i] = newBlock
			if err := d.inodes.WriteIndirectPointers(in.Indirect, ptrs); err != nil {
				if allocatedIndirect {
					_ = blockBitmap.Clear(int(in.Indirect))
				}
				return false, err
			}
			return allocatedIndirect, nil
		}
	}
	if allocatedIndirect {
		_ = blockBitmap.Clear(int(in.Indirect))
	}
	return false, errs.New(errs.NoSpace)
}

// Remove clears the slot holding name, turning it back into a free dentry.
// It does not release any data block: a directory never shrinks its block
// count just because entries were removed.
func (d *Dir) Remove(dirInode *ondisk.Inode, name string) error {
	entry, err := d.Find(dirInode, name)
	if err != nil {
		return err
	}
	return d.writeSlot(slotLocation{block: entry.Block, offset: entry.Offset}, ondisk.Dentry{})
}

// Replace overwrites the entry at the same physical slot as existing with
// a new dentry value, repointing or renaming an entry without moving its
// slot. The filesystem core does not call it; Link adds a new entry with
// Add instead.
func (d *Dir) Replace(existing Entry, de ondisk.Dentry) error {
	return d.writeSlot(slotLocation{block: existing.Block, offset: existing.Offset}, de)
}
