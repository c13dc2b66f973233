package dentry_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/sarettamcqueen/blockfs/bitmap"
	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/dentry"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/inode"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// blockFaultInjector wraps an in-memory stream and fails the occurrence-th
// write to failBlock, letting every other block and every earlier or later
// write to failBlock succeed. It exists to force a mid-operation I/O
// failure at a specific point, to exercise rollback paths a plain
// in-memory image never hits on its own.
type blockFaultInjector struct {
	io.ReadWriteSeeker
	failBlock  uint32
	occurrence int
	seen       int
	pos        int64
}

func (f *blockFaultInjector) Seek(offset int64, whence int) (int64, error) {
	n, err := f.ReadWriteSeeker.Seek(offset, whence)
	f.pos = n
	return n, err
}

func (f *blockFaultInjector) Write(p []byte) (int, error) {
	block := uint32(f.pos / blockdev.BlockSize)
	if block == f.failBlock {
		f.seen++
		if f.seen == f.occurrence {
			return 0, errors.New("injected write failure")
		}
	}
	return f.ReadWriteSeeker.Write(p)
}

const (
	testTotalInodes = 16
	testTotalBlocks = 160
)

// testTableBlocks is how many blocks the fixture's inode table spans,
// starting at block 1.
const testTableBlocks = testTotalInodes * ondisk.InodeSize / blockdev.BlockSize

func newFixture(t *testing.T) (*dentry.Dir, *inode.Table, *bitmap.Bitmap, *bitmap.Bitmap) {
	t.Helper()
	dev := blockdev.AttachMemory(make([]byte, blockdev.BlockSize*testTotalBlocks), "mem")
	table := inode.New(dev, 1, testTotalInodes)
	blockBm := bitmap.New(testTotalBlocks)
	require.NoError(t, blockBm.SetRange(0, 1+testTableBlocks))
	inodeBm := bitmap.New(testTotalInodes)
	return dentry.New(dev, table), table, inodeBm, blockBm
}

func allocDir(t *testing.T, table *inode.Table, inodeBm, blockBm *bitmap.Bitmap) (*ondisk.Inode, uint32) {
	t.Helper()
	in, num, err := table.Alloc(inodeBm, ondisk.TypeDir, 0o755)
	require.NoError(t, err)

	firstBlock := blockBm.FindFirstFree()
	require.NotEqual(t, bitmap.NotFound, firstBlock)
	require.NoError(t, blockBm.Set(firstBlock))
	in.Direct[0] = uint32(firstBlock)
	in.BlocksUsed = 1
	require.NoError(t, table.Write(num, in))
	return in, num
}

func TestAddFindList(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	de, err := ondisk.NewUserDentry("hello.txt", 5, ondisk.DentryTypeFile)
	require.NoError(t, err)
	require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))

	found, err := dir.Find(dirInode, "hello.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, found.Dentry.InodeNum)

	entries, err := dir.List(dirInode)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAddDuplicateNameIsExists(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	de, err := ondisk.NewUserDentry("x", 5, ondisk.DentryTypeFile)
	require.NoError(t, err)
	require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))

	de2, err := ondisk.NewUserDentry("x", 6, ondisk.DentryTypeFile)
	require.NoError(t, err)
	err = dir.Add(dirInode, dirNum, blockBm, de2)
	require.Error(t, err)
	assert.Equal(t, errs.Exists, errs.CodeOf(err))
}

func TestFindMissingIsNotFound(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, _ := allocDir(t, table, inodeBm, blockBm)

	_, err := dir.Find(dirInode, "nope")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestAddFillsBlockThenGrows(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	// One block holds DentriesPerBlock entries; the next Add must grow.
	for i := 0; i < ondisk.DentriesPerBlock; i++ {
		de, err := ondisk.NewUserDentry(fmt.Sprintf("f%d", i), uint32(i+2), ondisk.DentryTypeFile)
		require.NoError(t, err)
		require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))
	}
	assert.EqualValues(t, 1, dirInode.BlocksUsed)

	de, err := ondisk.NewUserDentry("overflow", 99, ondisk.DentryTypeFile)
	require.NoError(t, err)
	require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))
	assert.EqualValues(t, 2, dirInode.BlocksUsed)

	entries, err := dir.List(dirInode)
	require.NoError(t, err)
	assert.Len(t, entries, ondisk.DentriesPerBlock+1)
}

func TestRemoveClearsSlotWithoutShrinking(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	de, err := ondisk.NewUserDentry("gone.txt", 7, ondisk.DentryTypeFile)
	require.NoError(t, err)
	require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))

	blocksBefore := dirInode.BlocksUsed
	require.NoError(t, dir.Remove(dirInode, "gone.txt"))
	assert.Equal(t, blocksBefore, dirInode.BlocksUsed)

	_, err = dir.Find(dirInode, "gone.txt")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestAddExhaustionRollsBackBlockClaim(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	// Fill the first block.
	for i := 0; i < ondisk.DentriesPerBlock; i++ {
		de, err := ondisk.NewUserDentry(fmt.Sprintf("f%d", i), uint32(i+2), ondisk.DentryTypeFile)
		require.NoError(t, err)
		require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))
	}

	// Exhaust every remaining block so growth has nothing left to claim.
	for {
		free := blockBm.FindFirstFree()
		if free == bitmap.NotFound {
			break
		}
		require.NoError(t, blockBm.Set(free))
	}

	before := blockBm.CountUsed()
	de, err := ondisk.NewUserDentry("overflow", 42, ondisk.DentryTypeFile)
	require.NoError(t, err)
	err = dir.Add(dirInode, dirNum, blockBm, de)
	require.Error(t, err)
	assert.Equal(t, errs.NoSpace, errs.CodeOf(err))
	assert.Equal(t, before, blockBm.CountUsed())
}

func TestReplaceRewritesSlotInPlace(t *testing.T) {
	dir, table, inodeBm, blockBm := newFixture(t)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	de, err := ondisk.NewUserDentry("old-name", 7, ondisk.DentryTypeFile)
	require.NoError(t, err)
	require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))

	entry, err := dir.Find(dirInode, "old-name")
	require.NoError(t, err)

	updated, err := ondisk.NewUserDentry("new-name", 7, ondisk.DentryTypeFile)
	require.NoError(t, err)
	require.NoError(t, dir.Replace(*entry, updated))

	_, err = dir.Find(dirInode, "old-name")
	require.Error(t, err)

	found, err := dir.Find(dirInode, "new-name")
	require.NoError(t, err)
	assert.Equal(t, entry.Block, found.Block)
	assert.Equal(t, entry.Offset, found.Offset)
}

// newFaultFixture is newFixture with a fault-injecting stream between the
// device and its storage, plus a directory already grown to all twelve
// direct blocks so the next Add has to go through the indirect path.
func newFaultFixture(t *testing.T) (*dentry.Dir, *ondisk.Inode, uint32, *bitmap.Bitmap, *blockFaultInjector) {
	t.Helper()
	storage := make([]byte, blockdev.BlockSize*testTotalBlocks)
	stream := bytesextra.NewReadWriteSeeker(storage)
	injector := &blockFaultInjector{ReadWriteSeeker: stream}
	dev := blockdev.AttachStream(injector, testTotalBlocks, "mem")

	table := inode.New(dev, 1, testTotalInodes)
	blockBm := bitmap.New(testTotalBlocks)
	require.NoError(t, blockBm.SetRange(0, 1+testTableBlocks))
	inodeBm := bitmap.New(testTotalInodes)
	dir := dentry.New(dev, table)
	dirInode, dirNum := allocDir(t, table, inodeBm, blockBm)

	for i := 0; i < ondisk.DentriesPerBlock*ondisk.DirectPointers; i++ {
		de, err := ondisk.NewUserDentry(fmt.Sprintf("f%d", i), uint32(i+2), ondisk.DentryTypeFile)
		require.NoError(t, err)
		require.NoError(t, dir.Add(dirInode, dirNum, blockBm, de))
	}
	require.EqualValues(t, ondisk.DirectPointers, dirInode.BlocksUsed)
	require.Zero(t, dirInode.Indirect)
	return dir, dirInode, dirNum, blockBm, injector
}

// TestAddFirstIndirectBlockRollsBackOnRecordFailure forces the write that
// records the new data-block pointer into a freshly allocated indirect
// block to fail, and checks the indirect block's bitmap bit is released
// rather than leaked.
func TestAddFirstIndirectBlockRollsBackOnRecordFailure(t *testing.T) {
	dir, dirInode, dirNum, blockBm, injector := newFaultFixture(t)

	// Growth claims the data block first, then the indirect block right
	// after it. The first write to the indirect block zeroes it; the second
	// records the new data block's pointer. Fail exactly that second write.
	newBlock := blockBm.FindFirstFree()
	require.NotEqual(t, bitmap.NotFound, newBlock)
	indirectBlock := newBlock + 1
	injector.failBlock = uint32(indirectBlock)
	injector.occurrence = 2

	before := blockBm.CountUsed()
	de, err := ondisk.NewUserDentry("overflow", 99, ondisk.DentryTypeFile)
	require.NoError(t, err)
	err = dir.Add(dirInode, dirNum, blockBm, de)
	require.Error(t, err)
	assert.Equal(t, before, blockBm.CountUsed())
	assert.Zero(t, dirInode.Indirect)

	ok, berr := blockBm.Get(indirectBlock)
	require.NoError(t, berr)
	assert.False(t, ok, "indirect block must be released from the bitmap after the recording write fails")
}

// TestAddSlotWriteFailureReleasesIndirectClaim fails the dentry slot write
// that follows a successful indirect-block allocation, and checks that
// both the data block and the freshly claimed indirect block are released.
func TestAddSlotWriteFailureReleasesIndirectClaim(t *testing.T) {
	dir, dirInode, dirNum, blockBm, injector := newFaultFixture(t)

	// The new data block is written twice: once to zero it, once with the
	// entry in slot 0. Fail the slot write, which happens after the
	// indirect block has already been claimed and wired.
	newBlock := blockBm.FindFirstFree()
	require.NotEqual(t, bitmap.NotFound, newBlock)
	injector.failBlock = uint32(newBlock)
	injector.occurrence = 2

	before := blockBm.CountUsed()
	de, err := ondisk.NewUserDentry("overflow", 99, ondisk.DentryTypeFile)
	require.NoError(t, err)
	err = dir.Add(dirInode, dirNum, blockBm, de)
	require.Error(t, err)
	assert.Equal(t, before, blockBm.CountUsed())
	assert.Zero(t, dirInode.Indirect)

	for _, b := range []int{newBlock, newBlock + 1} {
		ok, berr := blockBm.Get(b)
		require.NoError(t, berr)
		assert.Falsef(t, ok, "block %d must be released after the slot write fails", b)
	}
}
