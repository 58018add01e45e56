// Bitmap allocator

package common

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/sectorfs/errors"
)

// Allocator hands out runs of sectors from an in-use bitmap, first fit. A set
// bit means the sector is in use. It is safe for concurrent use.
type Allocator struct {
	allocationBitmap bitmap.Bitmap
	totalUnits       uint
	lock             sync.Mutex
}

// NewAllocator creates a new allocation bitmap with all bits cleared.
func NewAllocator(totalUnits uint) *Allocator {
	return &Allocator{
		allocationBitmap: bitmap.New(int(totalUnits)),
		totalUnits:       totalUnits,
	}
}

// NewAllocatorFromInUseBitmap creates a new allocator starting from an existing
// bitmap that indicates which units are in use. Only the first `totalUnits`
// bits are considered.
func NewAllocatorFromInUseBitmap(inUseMap []byte, totalUnits uint) (*Allocator, error) {
	if uint(len(inUseMap))*8 < totalUnits {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"bitmap of %d bytes can't describe %d units", len(inUseMap), totalUnits),
		)
	}

	alloc := NewAllocator(totalUnits)
	for i := 0; i < int(totalUnits); i++ {
		alloc.allocationBitmap.Set(i, bitmap.Get(inUseMap, i))
	}
	return alloc, nil
}

// TotalUnits gives the number of sectors tracked by the allocator.
func (alloc *Allocator) TotalUnits() uint {
	return alloc.totalUnits
}

// Bitmap returns a copy of the in-use bitmap, suitable for persisting.
func (alloc *Allocator) Bitmap() []byte {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return alloc.allocationBitmap.Data(true)
}

// IsAllocated reports whether `unit` is marked in use.
func (alloc *Allocator) IsAllocated(unit Sector) bool {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return uint(unit) < alloc.totalUnits && alloc.allocationBitmap.Get(int(unit))
}

// CountFree gives the number of units not in use.
func (alloc *Allocator) CountFree() uint {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	free := uint(0)
	for i := 0; i < int(alloc.totalUnits); i++ {
		if !alloc.allocationBitmap.Get(i) {
			free++
		}
	}
	return free
}

// findContiguousValues returns the index of the beginning of a run of units of
// length `count` that all have the value `value`.
func (alloc *Allocator) findContiguousValues(value bool, count uint) (Sector, error) {
	runSize := uint(0)
	runStart := Sector(0)

	for i := uint(0); i < alloc.totalUnits; i++ {
		if alloc.allocationBitmap.Get(int(i)) != value {
			// We hit the opposite value we were looking for, so this is the end
			// of the run.
			runSize = 0
			continue
		}

		if runSize == 0 {
			runStart = Sector(i)
		}
		runSize++
		if runSize == count {
			return runStart, nil
		}
	}

	// We ran off the end of the bitmap before we reached the necessary count.
	return InvalidSector, errors.NewWithMessage(
		errors.ENOSPC,
		fmt.Sprintf("no run of %d free sectors available", count),
	)
}

func (alloc *Allocator) hasContiguousValuesAt(start Sector, value bool, count uint) bool {
	if uint(start)+count > alloc.totalUnits {
		return false
	}
	for i := uint(0); i < count; i++ {
		if alloc.allocationBitmap.Get(int(start)+int(i)) != value {
			return false
		}
	}
	return true
}

// Allocate reserves `count` contiguous units in a first-fit manner and returns
// the first one.
func (alloc *Allocator) Allocate(count uint) (Sector, error) {
	if count == 0 {
		return InvalidSector, errors.NewWithMessage(
			errors.EINVAL, "can't allocate zero sectors")
	}

	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	runStart, err := alloc.findContiguousValues(false, count)
	if err != nil {
		return InvalidSector, err
	}

	for i := uint(0); i < count; i++ {
		alloc.allocationBitmap.Set(int(runStart)+int(i), true)
	}
	return runStart, nil
}

// Reserve marks a specific run of units as in use. It fails without modifying
// the bitmap if any of them already are.
func (alloc *Allocator) Reserve(start Sector, count uint) error {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	if !alloc.hasContiguousValuesAt(start, false, count) {
		return errors.NewWithMessage(
			errors.EALREADY,
			fmt.Sprintf("can't reserve %d sectors at %d: range is in use or out of bounds", count, start),
		)
	}
	for i := uint(0); i < count; i++ {
		alloc.allocationBitmap.Set(int(start)+int(i), true)
	}
	return nil
}

// Release frees a set of contiguous `count` units starting at index `start`. If
// any units in the range are already free, it fails immediately and the bitmap
// is *not* modified.
func (alloc *Allocator) Release(start Sector, count uint) error {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	if uint(start)+count > alloc.totalUnits {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid range: [%d, %d) not in [0, %d)",
				start, uint(start)+count, alloc.totalUnits),
		)
	}
	if !alloc.hasContiguousValuesAt(start, true, count) {
		return errors.NewWithMessage(
			errors.EALREADY,
			fmt.Sprintf(
				"tried to free already free sectors: there aren't %d allocated sectors starting at %d",
				count, start),
		)
	}

	for i := uint(0); i < count; i++ {
		alloc.allocationBitmap.Set(int(start)+int(i), false)
	}
	return nil
}
