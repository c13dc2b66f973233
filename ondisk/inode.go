package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/sarettamcqueen/blockfs/errs"
)

// inodeFieldBytes is the size of every named field below, before padding.
const inodeFieldBytes = 2 + 2 + 4 + 8 + 4 + 4*DirectPointers + 4 + 8 + 8 + 8
const inodePaddingSize = InodeSize - inodeFieldBytes

// Inode is the fixed 128-byte descriptor of a file or directory. Direct and
// the single indirect pointer address data blocks; MaxFileSize bounds what
// twelve direct pointers plus one 128-entry indirect block can reach.
type Inode struct {
	Type        InodeType
	Permissions uint16
	LinksCount  uint32
	Size        uint64
	BlocksUsed  uint32
	Direct      [DirectPointers]uint32
	Indirect    uint32

	CreatedTime  int64
	ModifiedTime int64
	AccessedTime int64

	_ [inodePaddingSize]byte
}

// IsFree reports whether the inode is unallocated.
func (in *Inode) IsFree() bool {
	return in.Type == TypeFree
}

// IsDir reports whether the inode describes a directory.
func (in *Inode) IsDir() bool {
	return in.Type == TypeDir
}

// IsFile reports whether the inode describes a regular file.
func (in *Inode) IsFile() bool {
	return in.Type == TypeFile
}

// Encode serializes in into a freshly allocated, exactly InodeSize-byte
// buffer.
func (in *Inode) Encode() ([]byte, error) {
	buf := make([]byte, InodeSize)
	writer := bytewriter.New(buf)
	if err := binary.Write(writer, binary.LittleEndian, in); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return buf, nil
}

// DecodeInode parses an exactly InodeSize-byte buffer into an Inode.
func DecodeInode(buf []byte) (*Inode, error) {
	if len(buf) != InodeSize {
		return nil, errs.Newf(errs.Invalid, "inode buffer must be %d bytes, got %d", InodeSize, len(buf))
	}
	var in Inode
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &in); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return &in, nil
}
