package inode

import (
	"fmt"
	"sync"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/hashicorp/go-multierror"
	"github.com/oxtoacart/bpool"
)

// SectorIO reads and writes whole sectors. In practice this is a
// [blockcache.SectorCache].
type SectorIO interface {
	ReadSector(sector c.Sector, buffer []byte) error
	WriteSector(sector c.Sector, buffer []byte) error
}

// FreeSpace hands out and takes back runs of sectors.
type FreeSpace interface {
	Allocate(count uint) (c.Sector, error)
	Release(start c.Sector, count uint) error
}

// Manager creates inodes and keeps track of which ones are open.
type Manager struct {
	lock    sync.Mutex
	open    map[c.Sector]*Inode
	cache   SectorIO
	free    FreeSpace
	buffers *bpool.BytePool
}

func NewManager(cache SectorIO, free FreeSpace) *Manager {
	return &Manager{
		open:    make(map[c.Sector]*Inode),
		cache:   cache,
		free:    free,
		buffers: bpool.NewBytePool(16, c.SectorSize),
	}
}

func (mgr *Manager) writeInode(sector c.Sector, raw *RawInode) error {
	buffer := mgr.buffers.Get()
	defer mgr.buffers.Put(buffer)

	err := raw.Marshal(buffer)
	if err != nil {
		return err
	}
	return mgr.cache.WriteSector(sector, buffer)
}

func (mgr *Manager) readInode(sector c.Sector) (RawInode, error) {
	buffer := mgr.buffers.Get()
	defer mgr.buffers.Put(buffer)

	err := mgr.cache.ReadSector(sector, buffer)
	if err != nil {
		return RawInode{}, err
	}
	return UnmarshalRawInode(buffer)
}

// Create writes a new inode to `sector` describing a file of `length` bytes,
// allocating and zeroing its data sectors. The inode's own sector must already
// be allocated by the caller.
func (mgr *Manager) Create(sector c.Sector, length int64, isDir bool) error {
	if length < 0 || length > MaxFileSize {
		return errors.NewWithMessage(
			errors.EFBIG,
			fmt.Sprintf("file length %d not in range [0, %d]", length, MaxFileSize))
	}

	raw := RawInode{
		Length: uint32(length),
		Magic:  Magic,
	}
	if isDir {
		raw.IsDir = 1
	}

	err := mgr.grow(&raw, c.SectorsForBytes(uint64(length)))
	if err == nil {
		err = mgr.writeInode(sector, &raw)
	}
	if err != nil {
		return mgr.discard(sector, &raw, err)
	}
	return nil
}

// discard gives back everything a failed [Manager.Create] allocated, data and
// index blocks alike, since nothing on disk refers to them. `cause` is
// returned, joined with any failures from releasing.
func (mgr *Manager) discard(sector c.Sector, raw *RawInode, cause error) error {
	var result *multierror.Error
	result = mgr.releaseDataSectors(result, sector, raw)

	// A zero pointer is unset; sector 0 never holds an index block.
	if raw.DoubleIndirect != 0 {
		outer, err := mgr.readIndirectBlock(raw.DoubleIndirect)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			for _, block := range outer {
				if block != 0 {
					result = multierror.Append(result, mgr.free.Release(block, 1))
				}
			}
		}
		result = multierror.Append(result, mgr.free.Release(raw.DoubleIndirect, 1))
	}
	if raw.Indirect != 0 {
		result = multierror.Append(result, mgr.free.Release(raw.Indirect, 1))
	}

	if result.ErrorOrNil() == nil {
		return cause
	}
	return multierror.Append(cause, result)
}

// Open returns a handle to the inode stored in `sector`. If it's already open,
// the existing handle is returned with its open count bumped.
func (mgr *Manager) Open(sector c.Sector) (*Inode, error) {
	mgr.lock.Lock()
	defer mgr.lock.Unlock()

	inode, exists := mgr.open[sector]
	if exists {
		inode.openCount++
		return inode, nil
	}

	raw, err := mgr.readInode(sector)
	if err != nil {
		return nil, fmt.Errorf("failed to open inode %d: %w", sector, err)
	}

	inode = &Inode{
		raw:       raw,
		sector:    sector,
		manager:   mgr,
		openCount: 1,
	}
	mgr.open[sector] = inode
	return inode, nil
}

// Reopen bumps the open count of an already-open handle and returns it.
func (mgr *Manager) Reopen(inode *Inode) *Inode {
	if inode == nil {
		return nil
	}

	mgr.lock.Lock()
	defer mgr.lock.Unlock()
	inode.openCount++
	return inode
}

// IsOpen reports whether there's a live handle for the inode in `sector`.
func (mgr *Manager) IsOpen(sector c.Sector) bool {
	mgr.lock.Lock()
	defer mgr.lock.Unlock()
	_, exists := mgr.open[sector]
	return exists
}

// OpenInodes gives the number of distinct inodes currently open.
func (mgr *Manager) OpenInodes() int {
	mgr.lock.Lock()
	defer mgr.lock.Unlock()
	return len(mgr.open)
}

// Remove marks the inode for deletion. Its sectors are released when the last
// handle to it is closed.
func (mgr *Manager) Remove(inode *Inode) {
	mgr.lock.Lock()
	defer mgr.lock.Unlock()
	inode.removed = true
}

// Close drops one reference to the handle. When the last one goes away the
// handle is forgotten, and if the inode was removed, its sector and all its
// data sectors are released.
//
// Indirect and double-indirect blocks are not released.
func (mgr *Manager) Close(inode *Inode) error {
	if inode == nil {
		return nil
	}

	mgr.lock.Lock()
	defer mgr.lock.Unlock()

	if inode.openCount <= 0 {
		panic(fmt.Sprintf("inode %d: closed more times than it was opened", inode.sector))
	}

	inode.openCount--
	if inode.openCount > 0 {
		return nil
	}

	delete(mgr.open, inode.sector)
	if !inode.removed {
		return nil
	}
	return mgr.reclaim(inode)
}

// reclaim releases an inode's sector and every data sector it owns. Failures
// are collected and reclamation continues. The caller must hold the manager's
// lock.
func (mgr *Manager) reclaim(inode *Inode) error {
	inode.lock.Lock()
	defer inode.lock.Unlock()

	result := mgr.releaseDataSectors(nil, inode.sector, &inode.raw)

	err := mgr.free.Release(inode.sector, 1)
	if err != nil {
		result = multierror.Append(
			result, fmt.Errorf("inode %d: failed to release inode sector: %w", inode.sector, err))
	}
	return result.ErrorOrNil()
}

// releaseDataSectors frees every data sector `raw` owns, adding failures to
// `result` and carrying on.
func (mgr *Manager) releaseDataSectors(
	result *multierror.Error, owner c.Sector, raw *RawInode,
) *multierror.Error {
	for index := uint(0); index < uint(raw.AllocatedSectors); index++ {
		sector, err := mgr.sectorAt(raw, index)
		if err == nil {
			err = mgr.free.Release(sector, 1)
		}
		if err != nil {
			result = multierror.Append(
				result,
				fmt.Errorf("inode %d: failed to release data sector %d: %w", owner, index, err),
			)
		}
	}
	return result
}
