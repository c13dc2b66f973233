package fs

import (
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// layout is the deterministic region map computed from (total_blocks,
// total_inodes) at format time and frozen into the superblock.
type layout struct {
	totalBlocks       uint32
	totalInodes       uint32
	blockBitmapStart  uint32
	blockBitmapBlocks uint32
	inodeBitmapStart  uint32
	inodeBitmapBlocks uint32
	inodeTableStart   uint32
	inodeTableBlocks  uint32
	firstDataBlock    uint32
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}

// deriveTotalInodes picks an inode count when the caller doesn't pin one:
// one inode per BytesPerInode of device capacity, with a MinInodes floor.
func deriveTotalInodes(totalBlocks uint32) uint32 {
	derived := totalBlocks * ondisk.BlockSize / ondisk.BytesPerInode
	if derived < ondisk.MinInodes {
		return ondisk.MinInodes
	}
	return derived
}

// computeLayout lays out the block bitmap, inode bitmap, and inode table
// back to back starting at block 1, and fails with NoSpace if nothing is
// left over for the data area.
func computeLayout(totalBlocks, totalInodes uint32) (layout, error) {
	if totalInodes == 0 {
		totalInodes = deriveTotalInodes(totalBlocks)
	}

	l := layout{totalBlocks: totalBlocks, totalInodes: totalInodes}

	l.blockBitmapStart = 1
	l.blockBitmapBlocks = ceilDiv(ceilDiv(totalBlocks, 8), ondisk.BlockSize)
	if l.blockBitmapBlocks == 0 {
		l.blockBitmapBlocks = 1
	}

	l.inodeBitmapStart = l.blockBitmapStart + l.blockBitmapBlocks
	l.inodeBitmapBlocks = ceilDiv(ceilDiv(totalInodes, 8), ondisk.BlockSize)
	if l.inodeBitmapBlocks == 0 {
		l.inodeBitmapBlocks = 1
	}

	l.inodeTableStart = l.inodeBitmapStart + l.inodeBitmapBlocks
	l.inodeTableBlocks = ceilDiv(totalInodes*ondisk.InodeSize, ondisk.BlockSize)

	l.firstDataBlock = l.inodeTableStart + l.inodeTableBlocks
	if l.firstDataBlock >= totalBlocks {
		return layout{}, errs.Newf(errs.NoSpace, "layout for %d blocks / %d inodes leaves no data area", totalBlocks, totalInodes)
	}
	return l, nil
}

func (l layout) toSuperblock() ondisk.Superblock {
	return ondisk.Superblock{
		Magic:             ondisk.Magic,
		TotalBlocks:       l.totalBlocks,
		TotalInodes:       l.totalInodes,
		BlockSizeVal:      ondisk.BlockSize,
		InodeSizeVal:      ondisk.InodeSize,
		BlockBitmapStart:  l.blockBitmapStart,
		BlockBitmapBlocks: l.blockBitmapBlocks,
		InodeBitmapStart:  l.inodeBitmapStart,
		InodeBitmapBlocks: l.inodeBitmapBlocks,
		InodeTableStart:   l.inodeTableStart,
		InodeTableBlocks:  l.inodeTableBlocks,
		FirstDataBlock:    l.firstDataBlock,
	}
}
