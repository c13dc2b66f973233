// Package fs implements the filesystem core: the mounted-context lifecycle
// (format/mount/unmount), path resolution, read/write/seek, the
// create/unlink/mkdir/rmdir/link family with their rollback discipline,
// inode-to-path reconstruction, and stat/list.
package fs

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sarettamcqueen/blockfs/bitmap"
	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/dentry"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/inode"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// Open flags. RDWR is RDONLY|WRONLY.
const (
	RDONLY = 0x01
	WRONLY = 0x02
	RDWR   = 0x03
	CREAT  = 0x08
	APPEND = 0x10
	TRUNC  = 0x20
)

// FormatOptions are the format-time parameters a caller pins down.
// TotalInodes of 0 derives the count from TotalBlocks.
type FormatOptions struct {
	TotalBlocks uint32
	TotalInodes uint32
	Permissions uint16
}

// FileSystem is a mounted context: a device, its in-memory superblock copy,
// mirrored bitmaps, and the current working directory.
type FileSystem struct {
	dev             *blockdev.Device
	sb              ondisk.Superblock
	blockBitmap     *bitmap.Bitmap
	blockRegion     *bitmapRegion
	inodeBitmap     *bitmap.Bitmap
	inodeRegion     *bitmapRegion
	inodes          *inode.Table
	dirs            *dentry.Dir
	mounted         bool
	currentDirInode uint32
}

// Format writes a fresh, valid image to dev: superblock, empty bitmaps with
// the reserved regions marked used, and a root directory inode carrying "."
// and ".." entries. Any failure past building the superblock rolls back the
// root inode and its blocks, then still leaves a valid empty image on disk.
func Format(dev *blockdev.Device, opts FormatOptions) (*ondisk.Superblock, error) {
	if opts.TotalBlocks == 0 || opts.TotalBlocks > dev.Blocks() {
		return nil, errs.Newf(errs.Invalid, "total_blocks %d exceeds device capacity %d", opts.TotalBlocks, dev.Blocks())
	}

	l, err := computeLayout(opts.TotalBlocks, opts.TotalInodes)
	if err != nil {
		return nil, err
	}

	sb := l.toSuperblock()
	now := time.Now().Unix()
	sb.CreatedTime = now
	sb.LastMountTime = now
	sb.MountCount = 0

	blockBitmap := bitmap.New(int(l.totalBlocks))
	inodeBitmap := bitmap.New(int(l.totalInodes))

	reservedBlocks := l.firstDataBlock
	if err := blockBitmap.SetRange(0, int(reservedBlocks)); err != nil {
		return nil, err
	}
	if err := inodeBitmap.Set(ondisk.InvalidInode); err != nil {
		return nil, err
	}

	table := inode.New(dev, l.inodeTableStart, l.totalInodes)
	dirs := dentry.New(dev, table)

	perms := opts.Permissions
	if perms == 0 {
		perms = 0o755
	}

	rootInode, rootNum, err := table.Alloc(inodeBitmap, ondisk.TypeDir, perms)
	if err != nil {
		return nil, persistEmptyImage(dev, &sb, blockBitmap, inodeBitmap, l, err)
	}
	if rootNum != ondisk.RootInode {
		_, _ = table.Free(inodeBitmap, blockBitmap, rootNum)
		return nil, persistEmptyImage(dev, &sb, blockBitmap, inodeBitmap, l, errs.Newf(errs.IO, "root inode got number %d, expected %d", rootNum, ondisk.RootInode))
	}

	selfEntry, err := ondisk.NewDentry(".", rootNum, ondisk.DentryTypeDir)
	if err != nil {
		return nil, rollbackFormat(dev, table, inodeBitmap, blockBitmap, rootNum, &sb, l, err)
	}
	if err := dirs.Add(rootInode, rootNum, blockBitmap, selfEntry); err != nil {
		return nil, rollbackFormat(dev, table, inodeBitmap, blockBitmap, rootNum, &sb, l, err)
	}
	parentEntry, err := ondisk.NewDentry("..", rootNum, ondisk.DentryTypeDir)
	if err != nil {
		return nil, rollbackFormat(dev, table, inodeBitmap, blockBitmap, rootNum, &sb, l, err)
	}
	if err := dirs.Add(rootInode, rootNum, blockBitmap, parentEntry); err != nil {
		return nil, rollbackFormat(dev, table, inodeBitmap, blockBitmap, rootNum, &sb, l, err)
	}

	rootInode.LinksCount = 2
	if err := table.Write(rootNum, rootInode); err != nil {
		return nil, rollbackFormat(dev, table, inodeBitmap, blockBitmap, rootNum, &sb, l, err)
	}

	sb.FreeBlocks = uint32(blockBitmap.CountFree())
	sb.FreeInodes = uint32(inodeBitmap.CountFree())

	if err := flushRegions(dev, &sb, blockBitmap, inodeBitmap, l); err != nil {
		return nil, err
	}
	return &sb, nil
}

// rollbackFormat frees the root inode (and whatever blocks it had already
// claimed) before falling back to persistEmptyImage.
func rollbackFormat(dev *blockdev.Device, table *inode.Table, inodeBitmap, blockBitmap *bitmap.Bitmap, rootNum uint32, sb *ondisk.Superblock, l layout, cause error) error {
	_, _ = table.Free(inodeBitmap, blockBitmap, rootNum)
	return persistEmptyImage(dev, sb, blockBitmap, inodeBitmap, l, cause)
}

// persistEmptyImage writes out a structurally valid but empty (rootless)
// image after a format failure, then returns cause so the caller sees the
// original error.
func persistEmptyImage(dev *blockdev.Device, sb *ondisk.Superblock, blockBitmap, inodeBitmap *bitmap.Bitmap, l layout, cause error) error {
	sb.FreeBlocks = uint32(blockBitmap.CountFree())
	sb.FreeInodes = uint32(inodeBitmap.CountFree())
	if err := flushRegions(dev, sb, blockBitmap, inodeBitmap, l); err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}

func flushRegions(dev *blockdev.Device, sb *ondisk.Superblock, blockBitmap, inodeBitmap *bitmap.Bitmap, l layout) error {
	if err := writeBitmapRegion(dev, &bitmapRegion{data: blockBitmap.Bytes(), startBlock: l.blockBitmapStart, numBlocks: l.blockBitmapBlocks}); err != nil {
		return err
	}
	if err := writeBitmapRegion(dev, &bitmapRegion{data: inodeBitmap.Bytes(), startBlock: l.inodeBitmapStart, numBlocks: l.inodeBitmapBlocks}); err != nil {
		return err
	}
	return writeSuperblock(dev, sb)
}

// Mount loads the superblock, mirrors both bitmaps into memory, sets the
// current directory to root, and bumps mount_count.
func Mount(dev *blockdev.Device) (*FileSystem, error) {
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, err
	}

	blockRegion, err := readBitmapRegion(dev, sb.BlockBitmapStart, sb.BlockBitmapBlocks, int(sb.TotalBlocks))
	if err != nil {
		return nil, err
	}
	inodeRegion, err := readBitmapRegion(dev, sb.InodeBitmapStart, sb.InodeBitmapBlocks, int(sb.TotalInodes))
	if err != nil {
		return nil, err
	}

	blockBitmap := bitmap.FromBytes(blockRegion.data, int(sb.TotalBlocks))
	inodeBitmap := bitmap.FromBytes(inodeRegion.data, int(sb.TotalInodes))

	table := inode.New(dev, sb.InodeTableStart, sb.TotalInodes)

	sb.LastMountTime = time.Now().Unix()
	sb.MountCount++
	if err := writeSuperblock(dev, sb); err != nil {
		return nil, err
	}

	return &FileSystem{
		dev:             dev,
		sb:              *sb,
		blockBitmap:     blockBitmap,
		blockRegion:     blockRegion,
		inodeBitmap:     inodeBitmap,
		inodeRegion:     inodeRegion,
		inodes:          table,
		dirs:            dentry.New(dev, table),
		mounted:         true,
		currentDirInode: ondisk.RootInode,
	}, nil
}

// Unmount flushes both bitmaps and the superblock, then marks the context
// unmounted. Cleanup always runs; any flush failures are aggregated and
// returned together.
func (f *FileSystem) Unmount() error {
	var result *multierror.Error

	f.blockRegion.data = f.blockBitmap.Bytes()
	f.inodeRegion.data = f.inodeBitmap.Bytes()

	if err := writeBitmapRegion(f.dev, f.blockRegion); err != nil {
		result = multierror.Append(result, err)
	}
	if err := writeBitmapRegion(f.dev, f.inodeRegion); err != nil {
		result = multierror.Append(result, err)
	}
	if err := f.persistSuperblock(); err != nil {
		result = multierror.Append(result, err)
	}

	f.mounted = false
	f.blockBitmap = nil
	f.inodeBitmap = nil

	return result.ErrorOrNil()
}

// persistSuperblock recomputes the free counters from the bitmaps (the
// authoritative source; the superblock counters are a cache) and writes the
// superblock.
func (f *FileSystem) persistSuperblock() error {
	f.sb.FreeBlocks = uint32(f.blockBitmap.CountFree())
	f.sb.FreeInodes = uint32(f.inodeBitmap.CountFree())
	return writeSuperblock(f.dev, &f.sb)
}

// requireMounted is a guard used by every public operation below.
func (f *FileSystem) requireMounted() error {
	if !f.mounted {
		return errs.Newf(errs.Generic, "filesystem is not mounted")
	}
	return nil
}
