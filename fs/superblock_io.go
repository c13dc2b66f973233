package fs

import (
	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// readSuperblock loads and validates the superblock from block 0.
func readSuperblock(dev *blockdev.Device) (*ondisk.Superblock, error) {
	buf := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(ondisk.SuperblockBlock, buf); err != nil {
		return nil, err
	}
	sb, err := ondisk.DecodeSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if !sb.IsValid() {
		return nil, errs.New(errs.IO)
	}
	return sb, nil
}

// writeSuperblock persists sb to block 0.
func writeSuperblock(dev *blockdev.Device, sb *ondisk.Superblock) error {
	buf, err := sb.Encode()
	if err != nil {
		return err
	}
	return dev.WriteBlock(ondisk.SuperblockBlock, buf)
}

// readBitmapRegion loads a bitmap of bitLength bits from startBlock..+numBlocks.
func readBitmapRegion(dev *blockdev.Device, startBlock, numBlocks uint32, bitLength int) (*bitmapRegion, error) {
	data := make([]byte, numBlocks*blockdev.BlockSize)
	buf := make([]byte, blockdev.BlockSize)
	for i := uint32(0); i < numBlocks; i++ {
		if err := dev.ReadBlock(startBlock+i, buf); err != nil {
			return nil, err
		}
		copy(data[i*blockdev.BlockSize:], buf)
	}
	return &bitmapRegion{data: data, startBlock: startBlock, numBlocks: numBlocks, bitLength: bitLength}, nil
}

// writeBitmapRegion persists a bitmapRegion's backing bytes back to disk.
// The backing slice may be shorter than the region (a fresh bitmap only
// carries ceil(bits/8) bytes); the tail of the region is zero-filled.
func writeBitmapRegion(dev *blockdev.Device, r *bitmapRegion) error {
	buf := make([]byte, blockdev.BlockSize)
	for i := uint32(0); i < r.numBlocks; i++ {
		for j := range buf {
			buf[j] = 0
		}
		start := int(i) * blockdev.BlockSize
		if start < len(r.data) {
			end := start + blockdev.BlockSize
			if end > len(r.data) {
				end = len(r.data)
			}
			copy(buf, r.data[start:end])
		}
		if err := dev.WriteBlock(r.startBlock+i, buf); err != nil {
			return err
		}
	}
	return nil
}

// bitmapRegion tracks the raw byte storage and disk location backing one of
// the two in-memory bitmaps, so Unmount/Format know where to flush it.
type bitmapRegion struct {
	data       []byte
	startBlock uint32
	numBlocks  uint32
	bitLength  int
}
