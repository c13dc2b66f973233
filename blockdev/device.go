// Package blockdev implements the block device: a fixed-size byte container
// exposing block-granular read/write/sync. The file system core only ever
// talks to the small surface in this file; attaching to a real file or to an
// in-memory image are just two ways of satisfying it.
package blockdev

import (
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	"github.com/sarettamcqueen/blockfs/errs"
)

// BlockSize is the fixed block granularity for every image this module
// produces or consumes.
const BlockSize = 512

// Device is a fixed-block byte container. All block indices are 0-based
// across the entire device.
type Device struct {
	stream   io.ReadWriteSeeker
	closer   io.Closer
	syncer   interface{ Sync() error }
	blocks   uint32
	filename string
	attached bool
}

// Attach opens or creates a disk image backed by a regular file. If create is
// true, the file is truncated/extended to exactly size bytes and treated as
// empty; otherwise the existing file is opened and its size is used to infer
// the block count. size must be a multiple of BlockSize or the trailing
// partial block is invisible to callers.
func Attach(path string, size uint64, create bool) (*Device, error) {
	var file *os.File
	var err error

	if create {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, errs.Wrap(errs.IO, err)
		}
	} else {
		file, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, errs.Wrap(errs.IO, err)
		}
		size = uint64(info.Size())
	}

	return &Device{
		stream:   file,
		closer:   file,
		syncer:   file,
		blocks:   uint32(size / BlockSize),
		filename: path,
		attached: true,
	}, nil
}

// AttachMemory wraps a byte slice as a Device with no backing file, useful
// for tests. storage's length must be a multiple of BlockSize.
func AttachMemory(storage []byte, filename string) *Device {
	return &Device{
		stream:   bytesextra.NewReadWriteSeeker(storage),
		blocks:   uint32(uint64(len(storage)) / BlockSize),
		filename: filename,
		attached: true,
	}
}

// AttachStream wraps an arbitrary io.ReadWriteSeeker as a Device with no
// backing file. It exists alongside AttachMemory for tests that need to
// drive a stream that can be made to fail on demand, to exercise rollback
// paths a plain in-memory image can't trigger.
func AttachStream(stream io.ReadWriteSeeker, blocks uint32, filename string) *Device {
	return &Device{
		stream:   stream,
		blocks:   blocks,
		filename: filename,
		attached: true,
	}
}

// Detach flushes pending writes and releases the device. The device must not
// be used afterward.
func (d *Device) Detach() error {
	if !d.attached {
		return nil
	}
	var syncErr, closeErr error
	syncErr = d.Sync()
	if d.closer != nil {
		closeErr = d.closer.Close()
	}
	d.attached = false
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return errs.Wrap(errs.IO, closeErr)
	}
	return nil
}

// Blocks returns the total number of blocks on the device.
func (d *Device) Blocks() uint32 {
	return d.blocks
}

// Size returns the device's size in bytes.
func (d *Device) Size() uint64 {
	return uint64(d.blocks) * BlockSize
}

// Filename returns the path the device was attached from, or the label
// passed to AttachMemory.
func (d *Device) Filename() string {
	return d.filename
}

func (d *Device) checkBlock(b uint32) error {
	if !d.attached {
		return errs.New(errs.IO)
	}
	if b >= d.blocks {
		return errs.Newf(errs.IO, "block %d out of range [0, %d)", b, d.blocks)
	}
	return nil
}

// ReadBlock reads exactly BlockSize bytes from block b into buf.
func (d *Device) ReadBlock(b uint32, buf []byte) error {
	if err := d.checkBlock(b); err != nil {
		return err
	}
	if len(buf) != BlockSize {
		return errs.Newf(errs.Invalid, "buffer must be exactly %d bytes, got %d", BlockSize, len(buf))
	}
	if _, err := d.stream.Seek(int64(b)*BlockSize, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}

// WriteBlock writes exactly BlockSize bytes from buf to block b.
func (d *Device) WriteBlock(b uint32, buf []byte) error {
	if err := d.checkBlock(b); err != nil {
		return err
	}
	if len(buf) != BlockSize {
		return errs.Newf(errs.Invalid, "buffer must be exactly %d bytes, got %d", BlockSize, len(buf))
	}
	if _, err := d.stream.Seek(int64(b)*BlockSize, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if _, err := d.stream.Write(buf); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}

// Sync durably flushes any pending writes to the backing medium. Memory
// devices have nothing to flush and always succeed.
func (d *Device) Sync() error {
	if d.syncer == nil {
		return nil
	}
	if err := d.syncer.Sync(); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}
