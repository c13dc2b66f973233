package fs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/fs"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

func newFormatted(t *testing.T, totalBlocks uint32) *blockdev.Device {
	t.Helper()
	dev := blockdev.AttachMemory(make([]byte, blockdev.BlockSize*uint64(totalBlocks)), "mem")
	_, err := fs.Format(dev, fs.FormatOptions{TotalBlocks: totalBlocks, TotalInodes: 128})
	require.NoError(t, err)
	return dev
}

func mustMount(t *testing.T, dev *blockdev.Device) *fs.FileSystem {
	t.Helper()
	mounted, err := fs.Mount(dev)
	require.NoError(t, err)
	return mounted
}

func TestFormatThenMountUnmountMount(t *testing.T) {
	dev := newFormatted(t, 1000)

	fs1 := mustMount(t, dev)
	stat1, err := fs1.FSStat()
	require.NoError(t, err)
	require.NoError(t, fs1.Unmount())

	fs2 := mustMount(t, dev)
	stat2, err := fs2.FSStat()
	require.NoError(t, err)
	assert.Equal(t, stat1.TotalBlocks, stat2.TotalBlocks)
	assert.Equal(t, stat1.TotalInodes, stat2.TotalInodes)

	root, err := fs2.Stat("/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	require.NoError(t, fs2.Unmount())
}

func TestRoundTripSmallFile(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Mkdir("/a", 0o755)
	require.NoError(t, err)
	_, err = mounted.Create("/a/hello", 0o644)
	require.NoError(t, err)

	file, err := mounted.Open("/a/hello", fs.RDWR, 0)
	require.NoError(t, err)

	n, err := file.Write([]byte("Hello, filesystem!"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)

	_, err = file.Seek(0)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err = file.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, "Hello, filesystem!", string(buf[:n]))

	st, err := mounted.Stat("/a/hello")
	require.NoError(t, err)
	assert.EqualValues(t, 18, st.Size)
	assert.True(t, st.IsFile())
	assert.EqualValues(t, 1, st.LinksCount)
}

func TestHardLinkSemantics(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Create("/orig.txt", 0o644)
	require.NoError(t, err)
	f, err := mounted.Open("/orig.txt", fs.RDWR, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, mounted.Link("/orig.txt", "/alias.txt"))

	origStat, err := mounted.Stat("/orig.txt")
	require.NoError(t, err)
	aliasStat, err := mounted.Stat("/alias.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, origStat.LinksCount)
	assert.EqualValues(t, 2, aliasStat.LinksCount)

	alias, err := mounted.Open("/alias.txt", fs.RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := alias.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestUnlinkReleasesOnlyWhenLastLinkGoes(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Create("/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, mounted.Link("/a", "/b"))
	require.NoError(t, mounted.Unlink("/a"))

	_, err = mounted.Stat("/a")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	bStat, err := mounted.Stat("/b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, bStat.LinksCount)
}

func TestDirectoryEmptiness(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Mkdir("/d", 0o755)
	require.NoError(t, err)
	_, err = mounted.Create("/d/x", 0o644)
	require.NoError(t, err)

	err = mounted.Rmdir("/d")
	require.Error(t, err)
	assert.Equal(t, errs.Generic, errs.CodeOf(err))

	require.NoError(t, mounted.Unlink("/d/x"))
	require.NoError(t, mounted.Rmdir("/d"))

	_, err = mounted.Stat("/d")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestPathNormalizationInChdir(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Mkdir("/dir1", 0o755)
	require.NoError(t, err)
	_, err = mounted.Mkdir("/dir1/dir2", 0o755)
	require.NoError(t, err)

	require.NoError(t, mounted.Chdir("/dir1/dir2"))
	require.NoError(t, mounted.Chdir("./"))
	require.NoError(t, mounted.Chdir("../.."))

	pwd, err := mounted.Pwd()
	require.NoError(t, err)
	assert.Equal(t, "/", pwd)

	err = mounted.Chdir("/does_not_exist")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, err = mounted.Create("/f", 0o644)
	require.NoError(t, err)
	err = mounted.Chdir("/f")
	require.Error(t, err)
	assert.Equal(t, errs.Invalid, errs.CodeOf(err))
}

func TestSparseFileBoundary(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Create("/s", 0o644)
	require.NoError(t, err)
	file, err := mounted.Open("/s", fs.RDWR, 0)
	require.NoError(t, err)

	_, err = file.Seek(6000)
	require.NoError(t, err)
	n, err := file.Write([]byte("X"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = file.Seek(0)
	require.NoError(t, err)
	buf := make([]byte, 6001)
	n, err = file.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 6001, n)
	for i := 0; i < 6000; i++ {
		assert.Zero(t, buf[i])
	}
	assert.Equal(t, byte('X'), buf[6000])

	st, err := mounted.Stat("/s")
	require.NoError(t, err)
	assert.EqualValues(t, 6001, st.Size)
}

func TestFileGrowsToMaxSizeThenNoSpace(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Create("/big", 0o644)
	require.NoError(t, err)
	file, err := mounted.Open("/big", fs.RDWR, 0)
	require.NoError(t, err)

	n, err := file.Write(make([]byte, ondisk.MaxFileSize))
	require.NoError(t, err)
	assert.Equal(t, ondisk.MaxFileSize, n)

	st, err := mounted.Stat("/big")
	require.NoError(t, err)
	assert.EqualValues(t, ondisk.MaxFileSize, st.Size)

	_, err = file.Write([]byte("X"))
	require.Error(t, err)
	assert.Equal(t, errs.NoSpace, errs.CodeOf(err))
}

func TestRmdirOnRootIsInvalid(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	err := mounted.Rmdir("/")
	require.Error(t, err)
	assert.Equal(t, errs.Invalid, errs.CodeOf(err))
}

func TestUnlinkDirectoryIsInvalid(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Mkdir("/d", 0o755)
	require.NoError(t, err)
	err = mounted.Unlink("/d")
	require.Error(t, err)
	assert.Equal(t, errs.Invalid, errs.CodeOf(err))
}

func TestMkdirRmdirRestoresFreeCounts(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	// Warm up root's dentry storage first: the first mkdir grows the root
	// directory by a block that deletions never give back.
	_, err := mounted.Mkdir("/tmp", 0o755)
	require.NoError(t, err)
	require.NoError(t, mounted.Rmdir("/tmp"))

	before, err := mounted.FSStat()
	require.NoError(t, err)

	_, err = mounted.Mkdir("/tmp", 0o755)
	require.NoError(t, err)
	require.NoError(t, mounted.Rmdir("/tmp"))

	after, err := mounted.FSStat()
	require.NoError(t, err)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
}

func TestCreateUnlinkRestoresFreeCounts(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	// Warm up root's dentry storage first: the first create grows the root
	// directory by a block that deletions never give back.
	_, err := mounted.Create("/scratch", 0o644)
	require.NoError(t, err)
	require.NoError(t, mounted.Unlink("/scratch"))

	before, err := mounted.FSStat()
	require.NoError(t, err)

	_, err = mounted.Create("/scratch", 0o644)
	require.NoError(t, err)
	file, err := mounted.Open("/scratch", fs.RDWR, 0)
	require.NoError(t, err)
	_, err = file.Write([]byte("short-lived"))
	require.NoError(t, err)
	require.NoError(t, mounted.Unlink("/scratch"))

	after, err := mounted.FSStat()
	require.NoError(t, err)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
}

func TestDebugCheckCleanAfterOperations(t *testing.T) {
	dev := newFormatted(t, 1000)
	mounted := mustMount(t, dev)
	defer mounted.Unmount()

	_, err := mounted.Mkdir("/a", 0o755)
	require.NoError(t, err)
	_, err = mounted.Create("/a/hello", 0o644)
	require.NoError(t, err)
	require.NoError(t, mounted.Link("/a/hello", "/a/alias"))

	violations, err := mounted.DebugCheck()
	require.NoError(t, err)
	assert.Empty(t, violations)
}
