// Package freemap keeps track of which sectors on a volume are in use. The map
// is stored as an ordinary file whose inode lives in sector 0.
//
// The file holds a short header followed by the in-use bitmap, one bit per
// sector, least significant bit first.
package freemap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/inode"
	"github.com/noxer/bytewriter"
)

// InodeSector is where the free map's inode is stored.
const InodeSector = c.Sector(0)

// RootDirectorySector is where the root directory's inode is stored. The free
// map reserves it at format time but doesn't otherwise touch it.
const RootDirectorySector = c.Sector(1)

// Magic identifies the free map file ("FREE").
const Magic = 0x46524545

type header struct {
	Magic        uint32
	TotalSectors uint32
}

var headerSize = binary.Size(header{})

// FreeMap is a persistent [c.Allocator]. It implements [inode.FreeSpace], and
// must be loaded with [FreeMap.Format] or [FreeMap.Load] before use.
type FreeMap struct {
	lock  sync.Mutex
	alloc *c.Allocator
	file  *inode.Inode
	dirty bool
}

func New() *FreeMap {
	return &FreeMap{}
}

func fileSize(totalSectors uint) int64 {
	return int64(headerSize) + int64((totalSectors+7)/8)
}

func (fm *FreeMap) allocator() (*c.Allocator, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	if fm.alloc == nil {
		return nil, errors.NewWithMessage(errors.EBADF, "free map hasn't been loaded")
	}
	return fm.alloc, nil
}

// Format builds a fresh free map for a device of `totalSectors` with sectors 0
// and 1 reserved, creates its file, and writes it out. `mgr` must be using this
// free map for its free space.
func (fm *FreeMap) Format(mgr *inode.Manager, totalSectors uint) error {
	alloc := c.NewAllocator(totalSectors)
	err := alloc.Reserve(InodeSector, 2)
	if err != nil {
		return err
	}

	fm.lock.Lock()
	fm.alloc = alloc
	fm.lock.Unlock()

	size := fileSize(totalSectors)
	if inode.GrowthCost(0, c.SectorsForBytes(uint64(size))) > alloc.CountFree() {
		return errors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("device of %d sectors is too small to hold its own free map", totalSectors))
	}

	err = mgr.Create(InodeSector, size, false)
	if err != nil {
		return err
	}

	file, err := mgr.Open(InodeSector)
	if err != nil {
		return err
	}

	fm.lock.Lock()
	fm.file = file
	fm.dirty = true
	fm.lock.Unlock()
	return fm.Sync()
}

// Load reads the free map from its file. `totalSectors` is the size of the
// device it's expected to describe.
func (fm *FreeMap) Load(mgr *inode.Manager, totalSectors uint) error {
	file, err := mgr.Open(InodeSector)
	if err != nil {
		return err
	}

	data := make([]byte, file.Length())
	_, err = file.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		mgr.Close(file)
		return err
	}
	if len(data) < headerSize {
		mgr.Close(file)
		return errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("free map is only %d bytes", len(data)))
	}

	var hdr header
	err = binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr)
	if err == nil && hdr.Magic != Magic {
		err = errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad free map magic: expected %#08x, got %#08x", Magic, hdr.Magic))
	}
	if err == nil && uint(hdr.TotalSectors) != totalSectors {
		err = errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"free map describes %d sectors but the device has %d",
				hdr.TotalSectors, totalSectors))
	}
	if err != nil {
		mgr.Close(file)
		return err
	}

	alloc, err := c.NewAllocatorFromInUseBitmap(data[headerSize:], totalSectors)
	if err != nil {
		mgr.Close(file)
		return errors.ErrFileSystemCorrupted.Wrap(err)
	}

	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.alloc = alloc
	fm.file = file
	fm.dirty = false
	return nil
}

// Sync writes the free map to its file if it's changed since the last sync.
func (fm *FreeMap) Sync() error {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	if fm.file == nil || !fm.dirty {
		return nil
	}

	bitmapData := fm.alloc.Bitmap()
	buffer := make([]byte, headerSize+len(bitmapData))
	writer := bytewriter.New(buffer)

	hdr := header{Magic: Magic, TotalSectors: uint32(fm.alloc.TotalUnits())}
	err := binary.Write(writer, binary.LittleEndian, &hdr)
	if err != nil {
		return err
	}
	_, err = writer.Write(bitmapData)
	if err != nil {
		return err
	}

	_, err = fm.file.WriteAt(buffer, 0)
	if err != nil {
		return fmt.Errorf("failed to write free map: %w", err)
	}
	fm.dirty = false
	return nil
}

// Close syncs the free map and closes its file.
func (fm *FreeMap) Close(mgr *inode.Manager) error {
	err := fm.Sync()

	fm.lock.Lock()
	file := fm.file
	fm.file = nil
	fm.lock.Unlock()

	if file != nil {
		closeErr := mgr.Close(file)
		if err == nil {
			err = closeErr
		}
	}
	return err
}

// Allocate implements [inode.FreeSpace].
func (fm *FreeMap) Allocate(count uint) (c.Sector, error) {
	alloc, err := fm.allocator()
	if err != nil {
		return c.InvalidSector, err
	}

	sector, err := alloc.Allocate(count)
	if err == nil {
		fm.markDirty()
	}
	return sector, err
}

// Release implements [inode.FreeSpace].
func (fm *FreeMap) Release(start c.Sector, count uint) error {
	alloc, err := fm.allocator()
	if err != nil {
		return err
	}

	err = alloc.Release(start, count)
	if err == nil {
		fm.markDirty()
	}
	return err
}

func (fm *FreeMap) markDirty() {
	fm.lock.Lock()
	fm.dirty = true
	fm.lock.Unlock()
}

// CountFree gives the number of unused sectors.
func (fm *FreeMap) CountFree() uint {
	alloc, err := fm.allocator()
	if err != nil {
		return 0
	}
	return alloc.CountFree()
}

// IsAllocated reports whether `sector` is in use.
func (fm *FreeMap) IsAllocated(sector c.Sector) bool {
	alloc, err := fm.allocator()
	if err != nil {
		return false
	}
	return alloc.IsAllocated(sector)
}
