package inode

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
)

// Inode is an open, reference-counted handle to an inode on disk. There is at
// most one Inode per sector at a time; opening a sector that's already open
// returns the same handle.
type Inode struct {
	// lock guards raw and denyWriteCount, and serializes byte I/O on the file.
	lock           sync.Mutex
	raw            RawInode
	denyWriteCount int

	sector  c.Sector
	manager *Manager

	// Guarded by the manager's lock.
	openCount int
	removed   bool
}

// Inumber returns the sector the inode is stored in, which doubles as its
// unique identifier.
func (inode *Inode) Inumber() c.Sector {
	return inode.sector
}

func (inode *Inode) Length() int64 {
	inode.lock.Lock()
	defer inode.lock.Unlock()
	return int64(inode.raw.Length)
}

func (inode *Inode) IsDir() bool {
	inode.lock.Lock()
	defer inode.lock.Unlock()
	return inode.raw.IsDir != 0
}

// AllocatedSectors gives the number of data sectors the inode owns.
func (inode *Inode) AllocatedSectors() uint {
	inode.lock.Lock()
	defer inode.lock.Unlock()
	return uint(inode.raw.AllocatedSectors)
}

// OpenCount gives the number of times the handle has been opened and not yet
// closed.
func (inode *Inode) OpenCount() int {
	inode.manager.lock.Lock()
	defer inode.manager.lock.Unlock()
	return inode.openCount
}

// IsRemoved reports whether the inode will be deleted when its last handle is
// closed.
func (inode *Inode) IsRemoved() bool {
	inode.manager.lock.Lock()
	defer inode.manager.lock.Unlock()
	return inode.removed
}

func (inode *Inode) OpenedCount() int32 {
	inode.lock.Lock()
	defer inode.lock.Unlock()
	return inode.raw.OpenedCount
}

func (inode *Inode) CwdCount() int32 {
	inode.lock.Lock()
	defer inode.lock.Unlock()
	return inode.raw.CwdCount
}

// AdjustOpenedCount changes the persisted count of open directory streams on
// this inode by `delta` and writes the inode back immediately.
func (inode *Inode) AdjustOpenedCount(delta int32) error {
	inode.lock.Lock()
	defer inode.lock.Unlock()

	inode.raw.OpenedCount += delta
	return inode.manager.writeInode(inode.sector, &inode.raw)
}

// AdjustCwdCount changes the persisted count of processes using this inode as
// their working directory by `delta` and writes the inode back immediately.
func (inode *Inode) AdjustCwdCount(delta int32) error {
	inode.lock.Lock()
	defer inode.lock.Unlock()

	inode.raw.CwdCount += delta
	return inode.manager.writeInode(inode.sector, &inode.raw)
}

// DenyWrite makes all writes through this handle fail until a matching call to
// [Inode.AllowWrite]. It may be called at most once per opener.
func (inode *Inode) DenyWrite() {
	openCount := inode.OpenCount()

	inode.lock.Lock()
	defer inode.lock.Unlock()

	if inode.denyWriteCount >= openCount {
		panic(fmt.Sprintf(
			"inode %d: write denied %d times with only %d openers",
			inode.sector, inode.denyWriteCount+1, openCount))
	}
	inode.denyWriteCount++
}

// AllowWrite undoes one call to [Inode.DenyWrite].
func (inode *Inode) AllowWrite() {
	inode.lock.Lock()
	defer inode.lock.Unlock()

	if inode.denyWriteCount <= 0 {
		panic(fmt.Sprintf("inode %d: AllowWrite without a matching DenyWrite", inode.sector))
	}
	inode.denyWriteCount--
}

// Resolve returns the device sector holding byte `offset` of the file.
//
// If the offset is past the end of the file and `forWrite` is false, this
// fails with [errors.ENOENT]. If `forWrite` is true, the file's allocation is
// grown to cover the offset first. The file's length isn't changed either way.
func (inode *Inode) Resolve(offset int64, forWrite bool) (c.Sector, error) {
	inode.lock.Lock()
	defer inode.lock.Unlock()
	return inode.resolve(offset, forWrite)
}

// resolve is [Inode.Resolve] without locking.
func (inode *Inode) resolve(offset int64, forWrite bool) (c.Sector, error) {
	if offset < 0 {
		return c.InvalidSector, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}

	index := uint(offset / c.SectorSize)
	if offset < int64(inode.raw.Length) {
		return inode.manager.sectorAt(&inode.raw, index)
	}

	if !forWrite {
		return c.InvalidSector, errors.ErrNotFound.WithMessage(
			fmt.Sprintf(
				"offset %d is past the end of inode %d (%d bytes)",
				offset, inode.sector, inode.raw.Length))
	}

	// Panics if the index is out of range.
	locate(index)

	err := inode.ensureAllocated(index + 1)
	if err != nil {
		return c.InvalidSector, err
	}
	return inode.manager.sectorAt(&inode.raw, index)
}

// ensureAllocated grows the file so that it owns at least `count` data
// sectors, and persists the inode if anything changed.
func (inode *Inode) ensureAllocated(count uint) error {
	existing := uint(inode.raw.AllocatedSectors)
	if count <= existing {
		return nil
	}

	growErr := inode.manager.grow(&inode.raw, count-existing)
	// Persist whatever did get allocated, even on failure, so it's not lost.
	writeErr := inode.manager.writeInode(inode.sector, &inode.raw)
	if growErr != nil {
		return growErr
	}
	return writeErr
}

// ReadAt implements [io.ReaderAt]. It reads at most up to the end of the file;
// if fewer than len(buffer) bytes are available it returns [io.EOF] along with
// the number of bytes read.
func (inode *Inode) ReadAt(buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}

	inode.lock.Lock()
	defer inode.lock.Unlock()

	length := int64(inode.raw.Length)
	var scratch []byte
	totalRead := 0

	for totalRead < len(buffer) && offset < length {
		sectorOffset := int(offset % c.SectorSize)
		chunkSize := minInt(
			len(buffer)-totalRead,
			c.SectorSize-sectorOffset,
			int(length-offset),
		)

		sector, err := inode.manager.sectorAt(&inode.raw, uint(offset/c.SectorSize))
		if err != nil {
			return totalRead, err
		}

		if chunkSize == c.SectorSize {
			// Whole sector; read straight into the caller's buffer.
			err = inode.manager.cache.ReadSector(sector, buffer[totalRead:totalRead+chunkSize])
		} else {
			if scratch == nil {
				scratch = inode.manager.buffers.Get()
				defer inode.manager.buffers.Put(scratch)
			}
			err = inode.manager.cache.ReadSector(sector, scratch)
			copy(buffer[totalRead:totalRead+chunkSize], scratch[sectorOffset:])
		}
		if err != nil {
			return totalRead, err
		}

		totalRead += chunkSize
		offset += int64(chunkSize)
	}

	if totalRead < len(buffer) {
		return totalRead, io.EOF
	}
	return totalRead, nil
}

// WriteAt implements [io.WriterAt]. Writing past the end of the file grows it;
// any gap between the old end and `offset` reads back as zeroes.
//
// If writes are currently denied, nothing is written and this fails with
// [errors.EACCES].
func (inode *Inode) WriteAt(buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}

	inode.lock.Lock()
	defer inode.lock.Unlock()

	if inode.denyWriteCount > 0 {
		return 0, errors.ErrPermissionDenied.WithMessage(
			fmt.Sprintf("writes to inode %d are denied", inode.sector))
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	end := offset + int64(len(buffer))
	if end > MaxFileSize {
		return 0, errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"can't write %d bytes at offset %d; files are limited to %d bytes",
				len(buffer), offset, MaxFileSize))
	}

	// Extend the file and persist the new length before any data goes out.
	if end > int64(inode.raw.Length) {
		err := inode.ensureAllocated(c.SectorsForBytes(uint64(end)))
		if err != nil {
			return 0, err
		}
		inode.raw.Length = uint32(end)
		err = inode.manager.writeInode(inode.sector, &inode.raw)
		if err != nil {
			return 0, err
		}
	}

	var scratch []byte
	totalWritten := 0

	for totalWritten < len(buffer) {
		sectorOffset := int(offset % c.SectorSize)
		chunkSize := minInt(len(buffer)-totalWritten, c.SectorSize-sectorOffset)

		sector, err := inode.resolve(offset, true)
		if err != nil {
			return totalWritten, err
		}

		chunk := buffer[totalWritten : totalWritten+chunkSize]
		if chunkSize == c.SectorSize {
			err = inode.manager.cache.WriteSector(sector, chunk)
		} else {
			// Partial sector; merge with what's already there.
			if scratch == nil {
				scratch = inode.manager.buffers.Get()
				defer inode.manager.buffers.Put(scratch)
			}
			err = inode.manager.cache.ReadSector(sector, scratch)
			if err == nil {
				copy(scratch[sectorOffset:], chunk)
				err = inode.manager.cache.WriteSector(sector, scratch)
			}
		}
		if err != nil {
			return totalWritten, err
		}

		totalWritten += chunkSize
		offset += int64(chunkSize)
	}

	return totalWritten, nil
}

func minInt(first int, rest ...int) int {
	result := first
	for _, value := range rest {
		if value < result {
			result = value
		}
	}
	return result
}
