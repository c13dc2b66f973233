package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/sarettamcqueen/blockfs/errs"
)

// superblockPaddingSize is the reserved padding after the last named field,
// so the struct, serialized, always fills exactly one block.
const superblockFieldBytes = 4*7 + 4*7 + 8*2 + 4
const superblockPaddingSize = BlockSize - superblockFieldBytes

// Superblock is the global layout descriptor stored at block 0. The layout
// regions it describes are frozen at format time and never recomputed
// afterward.
type Superblock struct {
	Magic        uint32
	TotalBlocks  uint32
	TotalInodes  uint32
	FreeBlocks   uint32
	FreeInodes   uint32
	BlockSizeVal uint32
	InodeSizeVal uint32

	BlockBitmapStart  uint32
	BlockBitmapBlocks uint32
	InodeBitmapStart  uint32
	InodeBitmapBlocks uint32
	InodeTableStart   uint32
	InodeTableBlocks  uint32
	FirstDataBlock    uint32

	CreatedTime   int64
	LastMountTime int64
	MountCount    uint32

	_ [superblockPaddingSize]byte
}

// Encode serializes sb into a freshly allocated, exactly BlockSize-byte
// buffer ready to hand to a block device's WriteBlock.
func (sb *Superblock) Encode() ([]byte, error) {
	buf := make([]byte, BlockSize)
	writer := bytewriter.New(buf)
	if err := binary.Write(writer, binary.LittleEndian, sb); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return buf, nil
}

// DecodeSuperblock parses an exactly BlockSize-byte buffer (as read from
// block 0) into a Superblock.
func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) != BlockSize {
		return nil, errs.Newf(errs.Invalid, "superblock buffer must be %d bytes, got %d", BlockSize, len(buf))
	}

	var sb Superblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return &sb, nil
}

// IsValid reports whether sb looks like a formatted blockfs superblock. The
// one invariant that must always hold is the magic number.
func (sb *Superblock) IsValid() bool {
	return sb.Magic == Magic
}
