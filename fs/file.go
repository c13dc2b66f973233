package fs

import (
	"time"

	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/ondisk"
)

// File is an open file handle: an inode number, an in-memory snapshot of
// that inode refreshed on every read/write, a byte cursor, the flags it was
// opened with, and a back-reference to its filesystem. Two File handles
// over the same inode writing concurrently is undefined.
type File struct {
	fs       *FileSystem
	inodeNum uint32
	inode    ondisk.Inode
	cursor   uint64
	flags    int
}

// Open resolves path to an inode and returns a File positioned at offset 0.
// CREAT creates the file (with perms) if it doesn't exist; TRUNC discards
// existing content; APPEND starts the cursor at the current end of file.
func (f *FileSystem) Open(path string, flags int, perms uint16) (*File, error) {
	if err := f.requireMounted(); err != nil {
		return nil, err
	}

	num, err := f.PathToInode(path)
	if err != nil {
		if errs.CodeOf(err) == errs.NotFound && flags&CREAT != 0 {
			if _, createErr := f.Create(path, perms); createErr != nil {
				return nil, createErr
			}
			num, err = f.PathToInode(path)
		}
		if err != nil {
			return nil, err
		}
	}

	in, err := f.inodes.Read(num)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, errs.New(errs.Invalid)
	}

	file := &File{fs: f, inodeNum: num, inode: *in, flags: flags}

	mode := flags & accessModeMask
	if flags&TRUNC != 0 && (mode == WRONLY || mode == RDWR) {
		if err := file.truncate(); err != nil {
			return nil, err
		}
		// truncate changed the free counters; flush bitmap + superblock.
		if err := f.persistAllocation(); err != nil {
			return nil, err
		}
	}
	if flags&APPEND != 0 {
		file.cursor = file.inode.Size
	}
	return file, nil
}

func (file *File) refresh() error {
	in, err := file.fs.inodes.Read(file.inodeNum)
	if err != nil {
		return err
	}
	file.inode = *in
	return nil
}

// physicalBlock maps a logical block index within the file to a physical
// block number, or 0 if it's a hole. An index past the indirect block's
// extent fails with NoSpace.
func (file *File) physicalBlock(logical uint32) (uint32, error) {
	if logical < ondisk.DirectPointers {
		return file.inode.Direct[logical], nil
	}
	if file.inode.Indirect == 0 {
		return 0, nil
	}
	ptrs, err := file.fs.inodes.ReadIndirectPointers(file.inode.Indirect)
	if err != nil {
		return 0, err
	}
	idx := logical - ondisk.DirectPointers
	if idx >= ondisk.PointersPerIndirectBlock {
		return 0, errs.New(errs.NoSpace)
	}
	return ptrs[idx], nil
}

// Read copies up to len(buf) bytes starting at the cursor into buf, delivers
// zeros for holes, and returns the number of bytes actually read.
func (file *File) Read(buf []byte) (int, error) {
	if !file.canRead() {
		return 0, errs.New(errs.Permission)
	}
	if err := file.refresh(); err != nil {
		return 0, err
	}

	var available uint64
	if file.inode.Size > file.cursor {
		available = file.inode.Size - file.cursor
	}
	toRead := uint64(len(buf))
	if toRead > available {
		toRead = available
	}
	if toRead == 0 {
		return 0, nil
	}

	block := make([]byte, blockdev.BlockSize)
	read := uint64(0)
	for read < toRead {
		offset := file.cursor + read
		logical := uint32(offset / blockdev.BlockSize)
		blockOffset := int(offset % blockdev.BlockSize)
		chunk := uint64(blockdev.BlockSize - blockOffset)
		if chunk > toRead-read {
			chunk = toRead - read
		}

		physical, err := file.physicalBlock(logical)
		if err != nil {
			return int(read), err
		}
		if physical == 0 {
			for i := uint64(0); i < chunk; i++ {
				buf[read+i] = 0
			}
		} else {
			if err := file.fs.dev.ReadBlock(physical, block); err != nil {
				return int(read), err
			}
			copy(buf[read:read+chunk], block[blockOffset:blockOffset+int(chunk)])
		}
		read += chunk
	}

	file.cursor += toRead
	file.inode.AccessedTime = time.Now().Unix()
	if err := file.fs.inodes.Write(file.inodeNum, &file.inode); err != nil {
		return int(toRead), err
	}
	return int(toRead), nil
}

// Write copies buf to the file starting at the cursor, allocating direct or
// indirect blocks as needed, and growing inode.size. A mid-write
// block-bitmap exhaustion returns NoSpace without rolling back bytes
// already written, like a POSIX short write.
func (file *File) Write(buf []byte) (int, error) {
	if !file.canWrite() {
		return 0, errs.New(errs.Permission)
	}
	if err := file.refresh(); err != nil {
		return 0, err
	}

	if file.cursor+uint64(len(buf)) > ondisk.MaxFileSize {
		return 0, errs.New(errs.NoSpace)
	}

	block := make([]byte, blockdev.BlockSize)
	written := uint64(0)
	total := uint64(len(buf))
	var writeErr error

	for written < total {
		offset := file.cursor + written
		logical := uint32(offset / blockdev.BlockSize)
		blockOffset := int(offset % blockdev.BlockSize)
		chunk := uint64(blockdev.BlockSize - blockOffset)
		if chunk > total-written {
			chunk = total - written
		}

		physical, err := file.ensureBlock(logical)
		if err != nil {
			writeErr = err
			break
		}

		if chunk < blockdev.BlockSize {
			if err := file.fs.dev.ReadBlock(physical, block); err != nil {
				writeErr = err
				break
			}
		}
		copy(block[blockOffset:blockOffset+int(chunk)], buf[written:written+chunk])
		if err := file.fs.dev.WriteBlock(physical, block); err != nil {
			writeErr = err
			break
		}
		written += chunk
	}

	newSize := file.cursor + written
	if newSize > file.inode.Size {
		file.inode.Size = newSize
	}
	file.inode.ModifiedTime = time.Now().Unix()
	if err := file.fs.inodes.Write(file.inodeNum, &file.inode); err != nil {
		return int(written), err
	}

	if err := file.fs.persistSuperblock(); err != nil {
		return int(written), err
	}
	if err := writeBitmapRegion(file.fs.dev, &bitmapRegion{data: file.fs.blockBitmap.Bytes(), startBlock: file.fs.sb.BlockBitmapStart, numBlocks: file.fs.sb.BlockBitmapBlocks}); err != nil {
		return int(written), err
	}

	file.cursor += written
	return int(written), writeErr
}

// ensureBlock returns the physical block backing logical, allocating and
// wiring it (direct pointer, or indirect block plus its entry) if it
// doesn't exist yet.
func (file *File) ensureBlock(logical uint32) (uint32, error) {
	if logical < ondisk.DirectPointers {
		if file.inode.Direct[logical] != 0 {
			return file.inode.Direct[logical], nil
		}
		newBlock, err := file.allocBlock()
		if err != nil {
			return 0, err
		}
		file.inode.Direct[logical] = newBlock
		file.inode.BlocksUsed++
		return newBlock, nil
	}

	idx := logical - ondisk.DirectPointers
	if idx >= ondisk.PointersPerIndirectBlock {
		return 0, errs.New(errs.NoSpace)
	}

	if file.inode.Indirect == 0 {
		indirectBlock, err := file.allocBlock()
		if err != nil {
			return 0, err
		}
		var zero [ondisk.PointersPerIndirectBlock]uint32
		if err := file.fs.inodes.WriteIndirectPointers(indirectBlock, zero); err != nil {
			return 0, err
		}
		file.inode.Indirect = indirectBlock
		file.inode.BlocksUsed++
	}

	ptrs, err := file.fs.inodes.ReadIndirectPointers(file.inode.Indirect)
	if err != nil {
		return 0, err
	}
	if ptrs[idx] != 0 {
		return ptrs[idx], nil
	}

	newBlock, err := file.allocBlock()
	if err != nil {
		return 0, err
	}
	ptrs[idx] = newBlock
	if err := file.fs.inodes.WriteIndirectPointers(file.inode.Indirect, ptrs); err != nil {
		return 0, err
	}
	file.inode.BlocksUsed++
	return newBlock, nil
}

func (file *File) allocBlock() (uint32, error) {
	free := file.fs.blockBitmap.FindFirstFree()
	if free < 0 {
		return 0, errs.New(errs.NoSpace)
	}
	if err := file.fs.blockBitmap.Set(free); err != nil {
		return 0, err
	}
	zero := make([]byte, blockdev.BlockSize)
	if err := file.fs.dev.WriteBlock(uint32(free), zero); err != nil {
		_ = file.fs.blockBitmap.Clear(free)
		return 0, err
	}
	return uint32(free), nil
}

// truncate discards a file's content: every allocated data block (direct
// and indirect, plus the indirect block itself) is released in the block
// bitmap, and size/blocks_used/pointers reset to zero. Unlike Free, the
// inode itself stays allocated.
func (file *File) truncate() error {
	for _, ptr := range file.inode.Direct {
		if ptr == 0 {
			continue
		}
		if err := file.fs.blockBitmap.Clear(int(ptr)); err != nil {
			return err
		}
	}
	if file.inode.Indirect != 0 {
		ptrs, err := file.fs.inodes.ReadIndirectPointers(file.inode.Indirect)
		if err != nil {
			return err
		}
		for _, ptr := range ptrs {
			if ptr == 0 {
				continue
			}
			if err := file.fs.blockBitmap.Clear(int(ptr)); err != nil {
				return err
			}
		}
		if err := file.fs.blockBitmap.Clear(int(file.inode.Indirect)); err != nil {
			return err
		}
	}

	file.inode = ondisk.Inode{
		Type:         ondisk.TypeFile,
		Permissions:  file.inode.Permissions,
		LinksCount:   file.inode.LinksCount,
		CreatedTime:  file.inode.CreatedTime,
		ModifiedTime: time.Now().Unix(),
		AccessedTime: file.inode.AccessedTime,
	}
	return file.fs.inodes.Write(file.inodeNum, &file.inode)
}

// Seek clamps target to [0, inode.size] and repositions the cursor.
func (file *File) Seek(target int64) (uint64, error) {
	if err := file.refresh(); err != nil {
		return 0, err
	}
	if target < 0 {
		target = 0
	}
	if uint64(target) > file.inode.Size {
		target = int64(file.inode.Size)
	}
	file.cursor = uint64(target)
	return file.cursor, nil
}

// Inode returns a copy of the file's current in-memory inode snapshot.
func (file *File) Inode() ondisk.Inode {
	return file.inode
}

const accessModeMask = RDONLY | WRONLY

func (file *File) canRead() bool {
	mode := file.flags & accessModeMask
	return mode == RDONLY || mode == RDWR
}

func (file *File) canWrite() bool {
	mode := file.flags & accessModeMask
	return mode == WRONLY || mode == RDWR
}
