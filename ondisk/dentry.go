package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/sarettamcqueen/blockfs/errs"
)

// Dentry is the fixed 256-byte directory entry record. A slot with
// InodeNum == 0 is free and treated as absent when listing.
type Dentry struct {
	InodeNum uint32
	NameLen  uint8
	FileType FileType
	Name     [MaxFilename]byte
}

// NewDentry builds a directory entry in memory. It does not add anything to
// disk. Internal callers (the file system core inserting "." and "..") use
// this directly; user-facing callers should go through
// NewUserDentry, which additionally rejects "." and "..".
func NewDentry(name string, inum uint32, ft FileType) (Dentry, error) {
	if len(name) == 0 || len(name) >= MaxFilename {
		return Dentry{}, errs.Newf(errs.Invalid, "name %q does not fit in a dentry", name)
	}
	var d Dentry
	d.InodeNum = inum
	d.NameLen = uint8(len(name))
	d.FileType = ft
	copy(d.Name[:], name)
	return d, nil
}

// NewUserDentry is like NewDentry but additionally rejects "." and "..":
// those two names may only be inserted by the file system core itself.
func NewUserDentry(name string, inum uint32, ft FileType) (Dentry, error) {
	if name == "." || name == ".." {
		return Dentry{}, errs.Newf(errs.Invalid, "%q is a reserved directory entry name", name)
	}
	return NewDentry(name, inum, ft)
}

// NameString returns the entry's name as a Go string, trusting NameLen
// rather than scanning for a NUL terminator.
func (d *Dentry) NameString() string {
	n := int(d.NameLen)
	if n > len(d.Name) {
		n = len(d.Name)
	}
	return string(d.Name[:n])
}

// IsFree reports whether this slot holds no entry.
func (d *Dentry) IsFree() bool {
	return d.InodeNum == InvalidInode
}

// IsValid checks the structural invariants of an occupied dentry: a nonzero
// inode number, a name length that matches the stored name, a recognized
// file type, and a non-empty name.
func (d *Dentry) IsValid() bool {
	if d.InodeNum == InvalidInode {
		return false
	}
	if d.FileType != DentryTypeFile && d.FileType != DentryTypeDir {
		return false
	}
	if d.NameLen == 0 || int(d.NameLen) >= len(d.Name) {
		return false
	}
	for i := int(d.NameLen); i < len(d.Name); i++ {
		if d.Name[i] != 0 {
			return false
		}
	}
	return true
}

// Encode serializes d into a freshly allocated, exactly DentrySize-byte
// buffer.
func (d *Dentry) Encode() ([]byte, error) {
	buf := make([]byte, DentrySize)
	writer := bytewriter.New(buf)
	if err := binary.Write(writer, binary.LittleEndian, d); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return buf, nil
}

// DecodeDentry parses an exactly DentrySize-byte buffer into a Dentry.
func DecodeDentry(buf []byte) (*Dentry, error) {
	if len(buf) != DentrySize {
		return nil, errs.Newf(errs.Invalid, "dentry buffer must be %d bytes, got %d", DentrySize, len(buf))
	}
	var d Dentry
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &d); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return &d, nil
}
