package inode

import (
	"fmt"

	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/hashicorp/go-multierror"
)

var zeroSector = make([]byte, c.SectorSize)

// GrowthCost gives the number of sectors that must be allocated to take a file
// from `existing` data sectors to `target`, counting any indirect blocks that
// would have to be created along the way.
func GrowthCost(existing, target uint) uint {
	if target <= existing {
		return 0
	}

	cost := target - existing
	if existing <= firstIndirectIndex && target > firstIndirectIndex {
		cost++
	}
	if existing <= firstDoubleIndirectIndex && target > firstDoubleIndirectIndex {
		cost++
	}

	// One second-level block for every group of PointersPerBlock whose first
	// index falls in [existing, target).
	for start := uint(firstDoubleIndirectIndex); start < target; start += PointersPerBlock {
		if start >= existing {
			cost++
		}
	}
	return cost
}

// allocateSector takes one sector from free space. Running out of space here
// isn't recoverable; callers are expected to check with [GrowthCost] first.
func (mgr *Manager) allocateSector() c.Sector {
	sector, err := mgr.free.Allocate(1)
	if err != nil {
		panic(fmt.Sprintf("inode: failed to allocate a sector while growing a file: %s", err))
	}
	return sector
}

// allocateDataSector allocates a sector and zeroes it out before anything can
// point to it. If zeroing fails the sector is given back.
func (mgr *Manager) allocateDataSector() (c.Sector, error) {
	sector := mgr.allocateSector()
	err := mgr.cache.WriteSector(sector, zeroSector)
	if err != nil {
		releaseErr := mgr.free.Release(sector, 1)
		if releaseErr != nil {
			return c.InvalidSector, multierror.Append(err, releaseErr)
		}
		return c.InvalidSector, err
	}
	return sector, nil
}

// grow adds `additional` data sectors to the file after the ones it already
// has, filling the direct table, then the indirect block, then the
// double-indirect tree. raw.AllocatedSectors is updated as each one is
// attached. Indirect blocks are written out, but `raw` itself isn't.
func (mgr *Manager) grow(raw *RawInode, additional uint) error {
	if uint(raw.AllocatedSectors)+additional > MaxSectors {
		panic(fmt.Sprintf(
			"inode: can't grow from %d to %d sectors; an inode can address at most %d",
			raw.AllocatedSectors, uint(raw.AllocatedSectors)+additional, MaxSectors))
	}

	remaining, err := mgr.growDirect(raw, additional)
	if err != nil {
		return err
	}
	remaining, err = mgr.growIndirect(raw, remaining)
	if err != nil {
		return err
	}
	remaining, err = mgr.growDoubleIndirect(raw, remaining)
	if err != nil {
		return err
	}

	if remaining != 0 {
		panic(fmt.Sprintf("inode: growth left %d sectors unallocated", remaining))
	}
	return nil
}

func (mgr *Manager) growDirect(raw *RawInode, remaining uint) (uint, error) {
	for remaining > 0 && raw.AllocatedSectors < firstIndirectIndex {
		sector, err := mgr.allocateDataSector()
		if err != nil {
			return remaining, err
		}
		raw.Direct[raw.AllocatedSectors] = sector
		raw.AllocatedSectors++
		remaining--
	}
	return remaining, nil
}

func (mgr *Manager) growIndirect(raw *RawInode, remaining uint) (uint, error) {
	if remaining == 0 || raw.AllocatedSectors >= firstDoubleIndirectIndex {
		return remaining, nil
	}

	var block IndirectBlock
	if raw.AllocatedSectors == firstIndirectIndex {
		raw.Indirect = mgr.allocateSector()
	} else {
		var err error
		block, err = mgr.readIndirectBlock(raw.Indirect)
		if err != nil {
			return remaining, err
		}
	}

	remaining, err := mgr.fillBlock(raw, &block, firstIndirectIndex, remaining)
	writeErr := mgr.writeIndirectBlock(raw.Indirect, &block)
	if err != nil {
		return remaining, err
	}
	return remaining, writeErr
}

func (mgr *Manager) growDoubleIndirect(raw *RawInode, remaining uint) (uint, error) {
	if remaining == 0 {
		return remaining, nil
	}

	var outer IndirectBlock
	if raw.AllocatedSectors == firstDoubleIndirectIndex {
		raw.DoubleIndirect = mgr.allocateSector()
	} else {
		var err error
		outer, err = mgr.readIndirectBlock(raw.DoubleIndirect)
		if err != nil {
			return remaining, err
		}
	}

	var err error
	for remaining > 0 && raw.AllocatedSectors < MaxSectors {
		addr := locate(uint(raw.AllocatedSectors))
		groupStart := uint(raw.AllocatedSectors) - addr.inner

		var block IndirectBlock
		if addr.inner == 0 {
			outer[addr.outer] = mgr.allocateSector()
		} else {
			block, err = mgr.readIndirectBlock(outer[addr.outer])
			if err != nil {
				break
			}
		}

		remaining, err = mgr.fillBlock(raw, &block, groupStart, remaining)
		writeErr := mgr.writeIndirectBlock(outer[addr.outer], &block)
		if err == nil {
			err = writeErr
		}
		if err != nil {
			break
		}
	}

	writeErr := mgr.writeIndirectBlock(raw.DoubleIndirect, &outer)
	if err != nil {
		return remaining, err
	}
	return remaining, writeErr
}

// fillBlock attaches new data sectors to `block`, whose first entry is data
// sector `blockStart` of the file, until either the block is full or
// `remaining` runs out.
func (mgr *Manager) fillBlock(
	raw *RawInode, block *IndirectBlock, blockStart uint, remaining uint,
) (uint, error) {
	for remaining > 0 && uint(raw.AllocatedSectors) < blockStart+PointersPerBlock {
		sector, err := mgr.allocateDataSector()
		if err != nil {
			return remaining, err
		}
		block[uint(raw.AllocatedSectors)-blockStart] = sector
		raw.AllocatedSectors++
		remaining--
	}
	return remaining, nil
}
