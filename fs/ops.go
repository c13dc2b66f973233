package fs

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sarettamcqueen/blockfs/dentry"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/ondisk"
	"github.com/sarettamcqueen/blockfs/vpath"
)

// compensation is one undo step recorded while a composite operation is in
// progress; runCompensations executes a list of these in reverse on
// failure.
type compensation func() error

// runCompensations executes steps in reverse order. If every compensating
// action succeeds, it returns cause unchanged so callers can still inspect
// its error code; if a compensating action also fails, cause and the
// rollback failures are aggregated with go-multierror so nothing is
// silently dropped.
func runCompensations(cause error, steps []compensation) error {
	var rollbackErrs *multierror.Error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](); err != nil {
			rollbackErrs = multierror.Append(rollbackErrs, err)
		}
	}
	if rollbackErrs.ErrorOrNil() == nil {
		return cause
	}
	return multierror.Append(rollbackErrs, cause)
}

func (f *FileSystem) persistAllocation() error {
	if err := writeBitmapRegion(f.dev, &bitmapRegion{data: f.blockBitmap.Bytes(), startBlock: f.sb.BlockBitmapStart, numBlocks: f.sb.BlockBitmapBlocks}); err != nil {
		return err
	}
	if err := writeBitmapRegion(f.dev, &bitmapRegion{data: f.inodeBitmap.Bytes(), startBlock: f.sb.InodeBitmapStart, numBlocks: f.sb.InodeBitmapBlocks}); err != nil {
		return err
	}
	return f.persistSuperblock()
}

// Create allocates a file inode, adds it to the parent directory, and
// persists bitmaps + superblock. On failure, earlier steps are reversed in
// order.
func (f *FileSystem) Create(path string, perms uint16) (uint32, error) {
	if err := f.requireMounted(); err != nil {
		return 0, err
	}
	_, name, parentNum, parentInode, err := f.resolveParent(path)
	if err != nil {
		return 0, err
	}

	var steps []compensation

	in, num, err := f.inodes.Alloc(f.inodeBitmap, ondisk.TypeFile, perms)
	if err != nil {
		return 0, err
	}
	steps = append(steps, func() error {
		_, e := f.inodes.Free(f.inodeBitmap, f.blockBitmap, num)
		return e
	})

	de, err := ondisk.NewUserDentry(name, num, ondisk.DentryTypeFile)
	if err != nil {
		return 0, runCompensations(err, steps)
	}
	if err := f.dirs.Add(parentInode, parentNum, f.blockBitmap, de); err != nil {
		return 0, runCompensations(err, steps)
	}
	steps = append(steps, func() error {
		return f.dirs.Remove(parentInode, name)
	})

	parentInode.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(parentNum, parentInode); err != nil {
		return 0, runCompensations(err, steps)
	}

	in.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(num, in); err != nil {
		return 0, runCompensations(err, steps)
	}

	if err := f.persistAllocation(); err != nil {
		return 0, runCompensations(err, steps)
	}
	return num, nil
}

// Mkdir allocates a directory inode, links it into the parent, seeds "."
// and ".." entries, bumps link counts, and persists.
func (f *FileSystem) Mkdir(path string, perms uint16) (uint32, error) {
	if err := f.requireMounted(); err != nil {
		return 0, err
	}
	_, name, parentNum, parentInode, err := f.resolveParent(path)
	if err != nil {
		return 0, err
	}

	var steps []compensation

	newInode, newNum, err := f.inodes.Alloc(f.inodeBitmap, ondisk.TypeDir, perms)
	if err != nil {
		return 0, err
	}
	steps = append(steps, func() error {
		_, e := f.inodes.Free(f.inodeBitmap, f.blockBitmap, newNum)
		return e
	})

	de, err := ondisk.NewUserDentry(name, newNum, ondisk.DentryTypeDir)
	if err != nil {
		return 0, runCompensations(err, steps)
	}
	if err := f.dirs.Add(parentInode, parentNum, f.blockBitmap, de); err != nil {
		return 0, runCompensations(err, steps)
	}
	steps = append(steps, func() error {
		return f.dirs.Remove(parentInode, name)
	})

	selfEntry, err := ondisk.NewDentry(".", newNum, ondisk.DentryTypeDir)
	if err != nil {
		return 0, runCompensations(err, steps)
	}
	if err := f.dirs.Add(newInode, newNum, f.blockBitmap, selfEntry); err != nil {
		return 0, runCompensations(err, steps)
	}

	parentEntry, err := ondisk.NewDentry("..", parentNum, ondisk.DentryTypeDir)
	if err != nil {
		return 0, runCompensations(err, steps)
	}
	if err := f.dirs.Add(newInode, newNum, f.blockBitmap, parentEntry); err != nil {
		return 0, runCompensations(err, steps)
	}

	newInode.LinksCount = 2
	newInode.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(newNum, newInode); err != nil {
		return 0, runCompensations(err, steps)
	}

	parentInode.LinksCount++
	parentInode.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(parentNum, parentInode); err != nil {
		return 0, runCompensations(err, steps)
	}
	steps = append(steps, func() error {
		parentInode.LinksCount--
		return f.inodes.Write(parentNum, parentInode)
	})

	if err := f.persistAllocation(); err != nil {
		return 0, runCompensations(err, steps)
	}
	return newNum, nil
}

// Unlink removes the directory entry naming path and, once its inode's
// links_count reaches zero, releases the inode and its data blocks.
// Unlinking a directory is rejected.
func (f *FileSystem) Unlink(path string) error {
	if err := f.requireMounted(); err != nil {
		return err
	}
	_, name, parentNum, parentInode, err := f.splitExisting(path)
	if err != nil {
		return err
	}

	targetNum, err := f.PathToInode(path)
	if err != nil {
		return err
	}
	targetInode, err := f.inodes.Read(targetNum)
	if err != nil {
		return err
	}
	if targetInode.IsDir() {
		return errs.New(errs.Invalid)
	}

	if err := f.dirs.Remove(parentInode, name); err != nil {
		return err
	}
	parentInode.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(parentNum, parentInode); err != nil {
		return err
	}

	targetInode.LinksCount--
	if targetInode.LinksCount == 0 {
		if _, err := f.inodes.Free(f.inodeBitmap, f.blockBitmap, targetNum); err != nil {
			return err
		}
	} else {
		if err := f.inodes.Write(targetNum, targetInode); err != nil {
			return err
		}
	}

	return f.persistAllocation()
}

// Rmdir removes an empty directory. Root cannot be removed; a non-empty
// directory fails with Generic.
func (f *FileSystem) Rmdir(path string) error {
	if err := f.requireMounted(); err != nil {
		return err
	}
	normalized := vpath.Normalize(path)
	if vpath.IsRoot(normalized) {
		return errs.New(errs.Invalid)
	}

	_, name, parentNum, parentInode, err := f.splitExisting(path)
	if err != nil {
		return err
	}

	targetNum, err := f.PathToInode(path)
	if err != nil {
		return err
	}
	targetInode, err := f.inodes.Read(targetNum)
	if err != nil {
		return err
	}
	if !targetInode.IsDir() {
		return errs.New(errs.Invalid)
	}

	entries, err := f.dirs.List(targetInode)
	if err != nil {
		return err
	}
	for _, e := range entries {
		n := e.Dentry.NameString()
		if n != "." && n != ".." {
			return errs.Newf(errs.Generic, "directory %q is not empty", path)
		}
	}

	if _, err := f.inodes.Free(f.inodeBitmap, f.blockBitmap, targetNum); err != nil {
		return err
	}
	if err := f.dirs.Remove(parentInode, name); err != nil {
		return err
	}

	parentInode.LinksCount--
	parentInode.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(parentNum, parentInode); err != nil {
		return err
	}

	return f.persistAllocation()
}

// Link adds a new directory entry newPath pointing at existing's inode and
// increments its links_count. Linking a directory is rejected.
func (f *FileSystem) Link(existingPath, newPath string) error {
	if err := f.requireMounted(); err != nil {
		return err
	}
	existingNum, err := f.PathToInode(existingPath)
	if err != nil {
		return err
	}
	existingInode, err := f.inodes.Read(existingNum)
	if err != nil {
		return err
	}
	if existingInode.IsDir() {
		return errs.New(errs.Invalid)
	}

	_, name, parentNum, parentInode, err := f.resolveParent(newPath)
	if err != nil {
		return err
	}

	de, err := ondisk.NewUserDentry(name, existingNum, ondisk.DentryTypeFile)
	if err != nil {
		return err
	}
	if err := f.dirs.Add(parentInode, parentNum, f.blockBitmap, de); err != nil {
		return err
	}

	existingInode.LinksCount++
	existingInode.ModifiedTime = time.Now().Unix()
	if err := f.inodes.Write(existingNum, existingInode); err != nil {
		_ = f.dirs.Remove(parentInode, name)
		return err
	}

	return f.persistAllocation()
}

// splitExisting is like resolveParent but for operations on a path that
// must already exist (unlink/rmdir): it does not reject on the name already
// being present.
func (f *FileSystem) splitExisting(p string) (parentPath, name string, parentNum uint32, parentInode *ondisk.Inode, err error) {
	if err := vpath.ValidateForResolution(p); err != nil {
		return "", "", 0, nil, err
	}
	normalized := vpath.Normalize(p)
	if vpath.IsRoot(normalized) {
		return "", "", 0, nil, errs.New(errs.Invalid)
	}

	parentPath, name = vpath.Split(normalized)
	parentNum, err = f.PathToInode(parentPath)
	if err != nil {
		return "", "", 0, nil, err
	}
	parentInode, err = f.inodes.Read(parentNum)
	if err != nil {
		return "", "", 0, nil, err
	}
	if !parentInode.IsDir() {
		return "", "", 0, nil, errs.New(errs.Invalid)
	}
	return parentPath, name, parentNum, parentInode, nil
}

// Stat resolves path and returns its inode. The inode number is implied by
// the path and not reported separately.
func (f *FileSystem) Stat(path string) (ondisk.Inode, error) {
	if err := f.requireMounted(); err != nil {
		return ondisk.Inode{}, err
	}
	num, err := f.PathToInode(path)
	if err != nil {
		return ondisk.Inode{}, err
	}
	in, err := f.inodes.Read(num)
	if err != nil {
		return ondisk.Inode{}, err
	}
	return *in, nil
}

// List resolves path, requires it to be a directory, and returns its
// entries in on-disk order.
func (f *FileSystem) List(path string) ([]dentry.Entry, error) {
	if err := f.requireMounted(); err != nil {
		return nil, err
	}
	num, err := f.PathToInode(path)
	if err != nil {
		return nil, err
	}
	in, err := f.inodes.Read(num)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, errs.New(errs.Invalid)
	}
	return f.dirs.List(in)
}

// Chdir resolves path and, if it names a directory, makes it the current
// directory.
func (f *FileSystem) Chdir(path string) error {
	if err := f.requireMounted(); err != nil {
		return err
	}
	num, err := f.PathToInode(path)
	if err != nil {
		return err
	}
	in, err := f.inodes.Read(num)
	if err != nil {
		return err
	}
	if !in.IsDir() {
		return errs.New(errs.Invalid)
	}
	f.currentDirInode = num
	return nil
}

// Pwd reconstructs the current directory's absolute path.
func (f *FileSystem) Pwd() (string, error) {
	if err := f.requireMounted(); err != nil {
		return "", err
	}
	return f.InodeToPath(f.currentDirInode)
}

// FSStat is a summary of filesystem capacity and layout.
type FSStat struct {
	BlockSize      uint32
	TotalBlocks    uint32
	FreeBlocks     uint32
	TotalInodes    uint32
	FreeInodes     uint32
	MaxFilenameLen uint32
}

// FSStat reports the current capacity snapshot, recomputing free counts
// from the bitmaps rather than trusting any stale superblock value.
func (f *FileSystem) FSStat() (FSStat, error) {
	if err := f.requireMounted(); err != nil {
		return FSStat{}, err
	}
	return FSStat{
		BlockSize:      ondisk.BlockSize,
		TotalBlocks:    f.sb.TotalBlocks,
		FreeBlocks:     uint32(f.blockBitmap.CountFree()),
		TotalInodes:    f.sb.TotalInodes,
		FreeInodes:     uint32(f.inodeBitmap.CountFree()),
		MaxFilenameLen: ondisk.MaxFilename,
	}, nil
}
