// Package inode implements the fixed-size inode table: reading, writing,
// allocating, and freeing inodes, including releasing every data block
// (direct and single-indirect) an inode owns.
package inode

import (
	"encoding/binary"
	"time"

	"github.com/sarettamcqueen/blockfs/bitmap"
	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// Table is a view over the on-disk inode array. Inode 0 is permanently
// reserved (INVALID_INODE); Table never hands it out via Alloc.
type Table struct {
	dev         *blockdev.Device
	tableStart  uint32
	totalInodes uint32
}

// New creates a Table backed by dev, whose inode array begins at block
// tableStart and holds totalInodes entries.
func New(dev *blockdev.Device, tableStart, totalInodes uint32) *Table {
	return &Table{dev: dev, tableStart: tableStart, totalInodes: totalInodes}
}

func (t *Table) locate(num uint32) (block uint32, offset int, err error) {
	if num >= t.totalInodes {
		return 0, 0, errs.Newf(errs.Invalid, "inode %d out of range [0, %d)", num, t.totalInodes)
	}
	block = t.tableStart + num/ondisk.InodesPerBlock
	offset = int(num%ondisk.InodesPerBlock) * ondisk.InodeSize
	return block, offset, nil
}

// Read loads inode num from disk.
func (t *Table) Read(num uint32) (*ondisk.Inode, error) {
	block, offset, err := t.locate(num)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, blockdev.BlockSize)
	if err := t.dev.ReadBlock(block, buf); err != nil {
		return nil, err
	}
	return ondisk.DecodeInode(buf[offset : offset+ondisk.InodeSize])
}

// Write stores in as inode num, read-modify-writing the enclosing block so
// the other three inodes sharing it are preserved.
func (t *Table) Write(num uint32, in *ondisk.Inode) error {
	block, offset, err := t.locate(num)
	if err != nil {
		return err
	}

	buf := make([]byte, blockdev.BlockSize)
	if err := t.dev.ReadBlock(block, buf); err != nil {
		return err
	}

	encoded, err := in.Encode()
	if err != nil {
		return err
	}
	copy(buf[offset:offset+ondisk.InodeSize], encoded)
	return t.dev.WriteBlock(block, buf)
}

// Alloc finds the first free inode (skipping 0), zeroes all fields, sets its
// type and permissions, and writes it to disk. The caller's inode bitmap is
// updated in place; it is the caller's responsibility to decide whether to
// persist the bitmap afterward (the file system core batches that with
// other bookkeeping).
func (t *Table) Alloc(inodeBitmap *bitmap.Bitmap, typ ondisk.InodeType, perms uint16) (*ondisk.Inode, uint32, error) {
	free := inodeBitmap.FindFirstFree()
	if free == bitmap.NotFound || uint32(free) >= t.totalInodes {
		return nil, 0, errs.New(errs.NoSpace)
	}

	now := time.Now().Unix()
	in := &ondisk.Inode{
		Type:         typ,
		Permissions:  perms,
		LinksCount:   1,
		Size:         0,
		BlocksUsed:   0,
		CreatedTime:  now,
		ModifiedTime: now,
		AccessedTime: now,
	}

	if err := t.Write(uint32(free), in); err != nil {
		return nil, 0, err
	}
	if err := inodeBitmap.Set(free); err != nil {
		return nil, 0, err
	}
	return in, uint32(free), nil
}

// Free releases inode num: every non-zero direct pointer and every non-zero
// pointer inside its indirect block (plus the indirect block itself) is
// cleared in blockBitmap, the inode is overwritten with a zeroed FREE
// record, and the inode's bit is cleared. It returns the number of data
// blocks released so the caller can adjust the superblock's free-block
// counter.
func (t *Table) Free(inodeBitmap, blockBitmap *bitmap.Bitmap, num uint32) (uint32, error) {
	in, err := t.Read(num)
	if err != nil {
		return 0, err
	}

	freed := uint32(0)
	for _, ptr := range in.Direct {
		if ptr == 0 {
			continue
		}
		if err := blockBitmap.Clear(int(ptr)); err != nil {
			return freed, err
		}
		freed++
	}

	if in.Indirect != 0 {
		ptrs, err := t.readIndirectPointers(in.Indirect)
		if err != nil {
			return freed, err
		}
		for _, ptr := range ptrs {
			if ptr == 0 {
				continue
			}
			if err := blockBitmap.Clear(int(ptr)); err != nil {
				return freed, err
			}
			freed++
		}

		if err := blockBitmap.Clear(int(in.Indirect)); err != nil {
			return freed, err
		}
		freed++
	}

	if err := t.Write(num, &ondisk.Inode{}); err != nil {
		return freed, err
	}
	if err := inodeBitmap.Clear(int(num)); err != nil {
		return freed, err
	}
	return freed, nil
}

// readIndirectPointers reads the 128 four-byte block pointers stored in the
// indirect block at physical block index block.
func (t *Table) readIndirectPointers(block uint32) ([ondisk.PointersPerIndirectBlock]uint32, error) {
	var ptrs [ondisk.PointersPerIndirectBlock]uint32

	buf := make([]byte, blockdev.BlockSize)
	if err := t.dev.ReadBlock(block, buf); err != nil {
		return ptrs, err
	}
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return ptrs, nil
}

// WriteIndirectPointers serializes ptrs back into the indirect block at
// physical block index block.
func (t *Table) WriteIndirectPointers(block uint32, ptrs [ondisk.PointersPerIndirectBlock]uint32) error {
	buf := make([]byte, blockdev.BlockSize)
	for i, ptr := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], ptr)
	}
	return t.dev.WriteBlock(block, buf)
}

// ReadIndirectPointers is the exported form of readIndirectPointers, used by
// the file system core's read/write paths and by directory-entry growth.
func (t *Table) ReadIndirectPointers(block uint32) ([ondisk.PointersPerIndirectBlock]uint32, error) {
	return t.readIndirectPointers(block)
}
