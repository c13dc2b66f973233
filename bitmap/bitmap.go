// Package bitmap implements the dense bit vector used for both the block and
// inode allocation maps. It wraps github.com/boljen/go-bitmap and adds the
// reserved-index-0 convention and range operations the file system core
// needs.
package bitmap

import (
	"fmt"

	gobitmap "github.com/boljen/go-bitmap"

	"github.com/sarettamcqueen/blockfs/errs"
)

// NotFound is returned by FindFirstFree / FindNextFree when no free bit
// exists.
const NotFound = -1

// Bitmap is a fixed-length dense bit vector. Index 0 is a valid index like
// any other for Get/Set/Clear, but FindFirstFree and FindNextFree always
// skip it, honoring the INVALID_INODE / reserved-block convention used
// throughout the on-disk layout.
type Bitmap struct {
	bits   gobitmap.Bitmap
	length int
}

// New creates a Bitmap of the given length with every bit cleared.
func New(length int) *Bitmap {
	return &Bitmap{bits: gobitmap.New(length), length: length}
}

// FromBytes wraps an existing little-endian byte slice (bit 0 of byte k is
// bitmap index 8k) as a Bitmap of the given bit length. The slice is used
// directly, not copied.
func FromBytes(data []byte, length int) *Bitmap {
	return &Bitmap{bits: gobitmap.Bitmap(data), length: length}
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() int {
	return b.length
}

// Bytes returns the backing byte slice, suitable for writing straight to
// disk.
func (b *Bitmap) Bytes() []byte {
	return b.bits.Data(false)
}

func (b *Bitmap) checkRange(i int) error {
	if i < 0 || i >= b.length {
		return errs.Newf(errs.Invalid, "bitmap index %d out of range [0, %d)", i, b.length)
	}
	return nil
}

// Get returns the value of bit i.
func (b *Bitmap) Get(i int) (bool, error) {
	if err := b.checkRange(i); err != nil {
		return false, err
	}
	return b.bits.Get(i), nil
}

// Set sets bit i to 1.
func (b *Bitmap) Set(i int) error {
	if err := b.checkRange(i); err != nil {
		return err
	}
	b.bits.Set(i, true)
	return nil
}

// Clear sets bit i to 0.
func (b *Bitmap) Clear(i int) error {
	if err := b.checkRange(i); err != nil {
		return err
	}
	b.bits.Set(i, false)
	return nil
}

// Toggle flips bit i and returns its new value.
func (b *Bitmap) Toggle(i int) (bool, error) {
	if err := b.checkRange(i); err != nil {
		return false, err
	}
	newValue := !b.bits.Get(i)
	b.bits.Set(i, newValue)
	return newValue, nil
}

// SetRange sets n consecutive bits starting at s to 1.
func (b *Bitmap) SetRange(s, n int) error {
	return b.setRange(s, n, true)
}

// ClearRange sets n consecutive bits starting at s to 0.
func (b *Bitmap) ClearRange(s, n int) error {
	return b.setRange(s, n, false)
}

func (b *Bitmap) setRange(s, n int, value bool) error {
	if n < 0 {
		return errs.Newf(errs.Invalid, "negative range length %d", n)
	}
	if err := b.checkRange(s); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := b.checkRange(s + n - 1); err != nil {
		return err
	}
	for i := s; i < s+n; i++ {
		b.bits.Set(i, value)
	}
	return nil
}

// FindFirstFree returns the first unset bit at index >= 1 (index 0 is
// skipped; both allocation maps reserve it), or NotFound if the bitmap is
// full.
func (b *Bitmap) FindFirstFree() int {
	return b.FindNextFree(1)
}

// FindNextFree returns the first unset bit at index >= from, or NotFound.
func (b *Bitmap) FindNextFree(from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < b.length; i++ {
		if !b.bits.Get(i) {
			return i
		}
	}
	return NotFound
}

// CountFree returns the number of unset bits.
func (b *Bitmap) CountFree() int {
	return b.length - b.CountUsed()
}

// CountUsed returns the number of set bits.
func (b *Bitmap) CountUsed() int {
	used := 0
	for i := 0; i < b.length; i++ {
		if b.bits.Get(i) {
			used++
		}
	}
	return used
}

func (b *Bitmap) String() string {
	return fmt.Sprintf("Bitmap(len=%d, used=%d)", b.length, b.CountUsed())
}
