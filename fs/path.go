package fs

import (
	"strings"

	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/ondisk"
	"github.com/sarettamcqueen/blockfs/vpath"
)

// maxReconstructDepth bounds the upward walk in InodeToPath.
const maxReconstructDepth = 64

// PathToInode resolves p to an inode number, starting from root if p is
// absolute or from the current directory otherwise.
func (f *FileSystem) PathToInode(p string) (uint32, error) {
	if err := f.requireMounted(); err != nil {
		return 0, err
	}
	if err := vpath.ValidateForResolution(p); err != nil {
		return 0, err
	}

	normalized := vpath.Normalize(p)
	if vpath.IsRoot(normalized) {
		return ondisk.RootInode, nil
	}

	parsed := vpath.Parse(normalized)
	current := f.currentDirInode
	if parsed.IsAbsolute {
		current = ondisk.RootInode
	}

	for _, component := range parsed.Components {
		switch component {
		case ".":
			continue
		case "..":
			next, err := f.lookupInDir(current, "..")
			if err != nil {
				return 0, err
			}
			current = next
		default:
			next, err := f.lookupInDir(current, component)
			if err != nil {
				return 0, err
			}
			current = next
		}
	}
	return current, nil
}

// lookupInDir reads dirNum's inode and finds name among its entries.
func (f *FileSystem) lookupInDir(dirNum uint32, name string) (uint32, error) {
	in, err := f.inodes.Read(dirNum)
	if err != nil {
		return 0, err
	}
	if !in.IsDir() {
		return 0, errs.New(errs.Invalid)
	}
	entry, err := f.dirs.Find(in, name)
	if err != nil {
		return 0, err
	}
	return entry.Dentry.InodeNum, nil
}

// InodeToPath reconstructs an absolute path for inodeNum by walking upward
// through ".." until it reaches the root, collecting names along the way.
func (f *FileSystem) InodeToPath(inodeNum uint32) (string, error) {
	if err := f.requireMounted(); err != nil {
		return "", err
	}
	if inodeNum == ondisk.RootInode {
		return "/", nil
	}

	var names []string
	current := inodeNum
	reachedRoot := false

	for depth := 0; depth < maxReconstructDepth; depth++ {
		currentInode, err := f.inodes.Read(current)
		if err != nil {
			return "", err
		}
		if !currentInode.IsDir() {
			return "", errs.New(errs.NotFound)
		}

		parentEntry, err := f.dirs.Find(currentInode, "..")
		if err != nil {
			return "", err
		}
		parent := parentEntry.Dentry.InodeNum

		parentInode, err := f.inodes.Read(parent)
		if err != nil {
			return "", err
		}

		entries, err := f.dirs.List(parentInode)
		if err != nil {
			return "", err
		}

		var name string
		found := false
		for _, e := range entries {
			n := e.Dentry.NameString()
			if n == "." || n == ".." {
				continue
			}
			if e.Dentry.InodeNum == current {
				name = n
				found = true
				break
			}
		}
		if !found {
			return "", errs.Newf(errs.NotFound, "inode %d is not reachable from its parent", current)
		}
		names = append(names, name)

		if parent == ondisk.RootInode {
			current = parent
			reachedRoot = true
			break
		}
		current = parent
	}

	if !reachedRoot {
		return "", errs.Newf(errs.NoSpace, "inode %d is nested deeper than %d levels", inodeNum, maxReconstructDepth)
	}

	if len(names) == 0 {
		return "/", nil
	}

	// names were collected innermost-first; reverse for root-first order.
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}

	result := "/" + strings.Join(names, "/")
	if len(result) >= vpath.MaxPath {
		return "", errs.New(errs.NoSpace)
	}
	return result, nil
}

// resolveParent validates p, normalizes and splits it, and resolves the
// parent component to a directory inode, returning the normalized parent
// path, the basename, the parent's inode number, and its decoded inode. It
// is shared preparation for the operations that add a new name.
func (f *FileSystem) resolveParent(p string) (parentPath, name string, parentNum uint32, parentInode *ondisk.Inode, err error) {
	if err := vpath.ValidateForResolution(p); err != nil {
		return "", "", 0, nil, err
	}
	normalized := vpath.Normalize(p)
	if vpath.IsRoot(normalized) {
		return "", "", 0, nil, errs.New(errs.Invalid)
	}

	parentPath, name = vpath.Split(normalized)
	if !vpath.FilenameIsValid(name) {
		return "", "", 0, nil, errs.Newf(errs.Invalid, "invalid name %q", name)
	}

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

	if _, err := f.dirs.Find(parentInode, name); err == nil {
		return "", "", 0, nil, errs.Newf(errs.Exists, "%q already exists", name)
	} else if errs.CodeOf(err) != errs.NotFound {
		return "", "", 0, nil, err
	}

	return parentPath, name, parentNum, parentInode, nil
}
