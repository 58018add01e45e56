// Package sectorfs is the storage core of a small file system: a fixed-size
// sector cache with read-ahead and periodic write-back, beneath indexed inodes
// that grow on demand.
//
// A [Volume] ties the pieces together. Sector 0 holds the free map's inode and
// sector 1 the root directory's inode; everything else is allocated from the
// free map.
package sectorfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/basicstream"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/dargueta/sectorfs/file_systems/freemap"
	"github.com/dargueta/sectorfs/file_systems/inode"
	"github.com/hashicorp/go-multierror"
)

// MinimumSectors is the smallest device that can be formatted: the free map's
// inode, the root directory's inode, and one sector of free map data.
const MinimumSectors = 3

// Volume is a mounted file system.
type Volume struct {
	device  *c.BlockDevice
	cache   *blockcache.SectorCache
	freeMap *freemap.FreeMap
	manager *inode.Manager

	// spaceLock makes checking for free space and then growing a file atomic
	// with respect to other growth.
	spaceLock sync.Mutex

	// stateLock is held for reading by every operation and for writing by
	// Unmount, so nothing runs against a half-unmounted volume.
	stateLock sync.RWMutex
	mounted   bool
}

// Format writes an empty file system to `stream`: a free map, and an empty root
// directory.
func Format(stream io.ReadWriteSeeker, totalSectors uint) error {
	if totalSectors < MinimumSectors {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("need at least %d sectors, got %d", MinimumSectors, totalSectors))
	}
	if totalSectors > uint(c.InvalidSector) {
		return errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("can't address %d sectors", totalSectors))
	}

	device := c.NewSectorDevice(stream, totalSectors)
	cache, err := blockcache.WrapDevice(device)
	if err != nil {
		return err
	}

	freeMap := freemap.New()
	manager := inode.NewManager(cache, freeMap)

	err = freeMap.Format(manager, totalSectors)
	if err != nil {
		return fmt.Errorf("failed to create free map: %w", err)
	}

	err = manager.Create(freemap.RootDirectorySector, 0, true)
	if err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	var result *multierror.Error
	result = multierror.Append(result, freeMap.Close(manager))
	result = multierror.Append(result, cache.Shutdown())
	return result.ErrorOrNil()
}

// Mount opens a formatted file system and starts the cache's background
// workers. `options` configure the cache.
func Mount(
	stream io.ReadWriteSeeker, totalSectors uint, options ...blockcache.Option,
) (*Volume, error) {
	device := c.NewSectorDevice(stream, totalSectors)
	cache, err := blockcache.WrapDevice(device, options...)
	if err != nil {
		return nil, err
	}

	freeMap := freemap.New()
	manager := inode.NewManager(cache, freeMap)

	err = freeMap.Load(manager, totalSectors)
	if err != nil {
		return nil, fmt.Errorf("failed to load free map: %w", err)
	}

	err = cache.Startup()
	if err != nil {
		return nil, err
	}

	return &Volume{
		device:  device,
		cache:   cache,
		freeMap: freeMap,
		manager: manager,
		mounted: true,
	}, nil
}

// acquire takes the state lock for reading and fails if the volume isn't
// mounted. On success the caller must call the returned function when done.
func (vol *Volume) acquire() (func(), error) {
	vol.stateLock.RLock()
	if !vol.mounted {
		vol.stateLock.RUnlock()
		return nil, errors.ErrInvalidFileDescriptor.WithMessage("volume isn't mounted")
	}
	return vol.stateLock.RUnlock, nil
}

// Cache exposes the volume's sector cache, mostly for statistics.
func (vol *Volume) Cache() *blockcache.SectorCache {
	return vol.cache
}

// TotalSectors gives the size of the device, in sectors.
func (vol *Volume) TotalSectors() uint {
	return vol.device.TotalSectors()
}

// FreeSectors gives the number of sectors not in use.
func (vol *Volume) FreeSectors() uint {
	return vol.freeMap.CountFree()
}

// ensureSpace fails with [errors.ENOSPC] if there aren't `needed` free
// sectors. The caller must hold spaceLock.
func (vol *Volume) ensureSpace(needed uint) error {
	free := vol.freeMap.CountFree()
	if needed > free {
		return errors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("need %d sectors, only %d free", needed, free))
	}
	return nil
}

// CreateInode allocates a sector for a new inode and creates a file of
// `length` zero bytes there. It returns the new inode's sector.
func (vol *Volume) CreateInode(length int64, isDir bool) (c.Sector, error) {
	release, err := vol.acquire()
	if err != nil {
		return c.InvalidSector, err
	}
	defer release()

	if length < 0 || length > inode.MaxFileSize {
		return c.InvalidSector, errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("file length %d not in range [0, %d]", length, inode.MaxFileSize))
	}

	vol.spaceLock.Lock()
	defer vol.spaceLock.Unlock()

	needed := 1 + inode.GrowthCost(0, c.SectorsForBytes(uint64(length)))
	err = vol.ensureSpace(needed)
	if err != nil {
		return c.InvalidSector, err
	}

	sector, err := vol.freeMap.Allocate(1)
	if err != nil {
		return c.InvalidSector, err
	}

	err = vol.manager.Create(sector, length, isDir)
	if err != nil {
		releaseErr := vol.freeMap.Release(sector, 1)
		if releaseErr != nil {
			err = multierror.Append(err, releaseErr)
		}
		return c.InvalidSector, err
	}
	return sector, nil
}

// OpenInode returns a handle to the inode stored in `sector`.
func (vol *Volume) OpenInode(sector c.Sector) (*inode.Inode, error) {
	release, err := vol.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return vol.manager.Open(sector)
}

// OpenRoot returns a handle to the root directory.
func (vol *Volume) OpenRoot() (*inode.Inode, error) {
	return vol.OpenInode(freemap.RootDirectorySector)
}

// ReopenInode adds another reference to an open handle.
func (vol *Volume) ReopenInode(handle *inode.Inode) (*inode.Inode, error) {
	release, err := vol.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return vol.manager.Reopen(handle), nil
}

// CloseInode drops a reference to a handle. If this was the last one and the
// inode was removed, its space is released.
func (vol *Volume) CloseInode(handle *inode.Inode) error {
	release, err := vol.acquire()
	if err != nil {
		return err
	}
	defer release()
	return vol.manager.Close(handle)
}

// RemoveInode marks an inode for deletion once its last handle is closed.
func (vol *Volume) RemoveInode(handle *inode.Inode) error {
	release, err := vol.acquire()
	if err != nil {
		return err
	}
	defer release()
	vol.manager.Remove(handle)
	return nil
}

// ReadBytes reads up to len(buffer) bytes from the file starting at `offset`,
// and returns the number of bytes read. Reading past the end of the file is a
// short read, not an error.
func (vol *Volume) ReadBytes(handle *inode.Inode, buffer []byte, offset int64) (int, error) {
	release, err := vol.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := handle.ReadAt(buffer, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteBytes writes `buffer` to the file starting at `offset`, growing it if
// needed, and returns the number of bytes written. If writes are denied on the
// handle this writes nothing and fails with [errors.EACCES].
func (vol *Volume) WriteBytes(handle *inode.Inode, buffer []byte, offset int64) (int, error) {
	release, err := vol.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	end := offset + int64(len(buffer))
	if len(buffer) == 0 || end <= handle.Length() {
		return handle.WriteAt(buffer, offset)
	}
	if end > inode.MaxFileSize {
		return 0, errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"can't write %d bytes at offset %d; files are limited to %d bytes",
				len(buffer), offset, inode.MaxFileSize))
	}

	vol.spaceLock.Lock()
	defer vol.spaceLock.Unlock()

	needed := inode.GrowthCost(handle.AllocatedSectors(), c.SectorsForBytes(uint64(end)))
	err = vol.ensureSpace(needed)
	if err != nil {
		return 0, err
	}
	return handle.WriteAt(buffer, offset)
}

// openExtent routes a stream's I/O through the volume so that growth is
// checked against free space.
type openExtent struct {
	vol    *Volume
	handle *inode.Inode
}

func (ext openExtent) ReadAt(buffer []byte, offset int64) (int, error) {
	return ext.vol.ReadBytes(ext.handle, buffer, offset)
}

func (ext openExtent) WriteAt(buffer []byte, offset int64) (int, error) {
	return ext.vol.WriteBytes(ext.handle, buffer, offset)
}

func (ext openExtent) Length() int64 {
	length, err := ext.vol.InodeLength(ext.handle)
	if err != nil {
		return 0
	}
	return length
}

// Stream wraps an open handle in a seekable stream positioned at the start of
// the file. The stream doesn't own the handle; close it with
// [Volume.CloseInode] when done.
func (vol *Volume) Stream(handle *inode.Inode) *basicstream.BasicStream {
	return basicstream.New(openExtent{vol: vol, handle: handle})
}

// InodeLength gives the size of the file, in bytes.
func (vol *Volume) InodeLength(handle *inode.Inode) (int64, error) {
	release, err := vol.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	return handle.Length(), nil
}

// DenyWrite blocks writes through `handle` until [Volume.AllowWrite].
func (vol *Volume) DenyWrite(handle *inode.Inode) error {
	release, err := vol.acquire()
	if err != nil {
		return err
	}
	defer release()
	handle.DenyWrite()
	return nil
}

// AllowWrite undoes one [Volume.DenyWrite].
func (vol *Volume) AllowWrite(handle *inode.Inode) error {
	release, err := vol.acquire()
	if err != nil {
		return err
	}
	defer release()
	handle.AllowWrite()
	return nil
}

// Flush writes the free map and every dirty cached sector to the device now,
// without waiting for the background flusher.
func (vol *Volume) Flush() error {
	release, err := vol.acquire()
	if err != nil {
		return err
	}
	defer release()

	var result *multierror.Error
	result = multierror.Append(result, vol.freeMap.Sync())
	result = multierror.Append(result, vol.cache.Flush())
	return result.ErrorOrNil()
}

// Unmount writes everything back to the device, stops the cache's workers, and
// discards any read-ahead that hadn't happened yet. The volume can't be used
// afterward.
func (vol *Volume) Unmount() error {
	vol.stateLock.Lock()
	defer vol.stateLock.Unlock()

	if !vol.mounted {
		return errors.ErrInvalidFileDescriptor.WithMessage("volume isn't mounted")
	}
	vol.mounted = false

	var result *multierror.Error
	result = multierror.Append(result, vol.freeMap.Close(vol.manager))
	result = multierror.Append(result, vol.cache.Shutdown())
	return result.ErrorOrNil()
}
