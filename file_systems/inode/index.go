package inode

import (
	"fmt"

	c "github.com/dargueta/sectorfs/file_systems/common"
)

type addressLevel int

const (
	levelDirect addressLevel = iota
	levelIndirect
	levelDoubleIndirect
)

const firstIndirectIndex = DirectSectors
const firstDoubleIndirectIndex = DirectSectors + PointersPerBlock

// address says where the pointer to a data sector lives. For direct sectors
// `inner` indexes the inode's table. For indirect sectors it indexes the
// indirect block. For double-indirect sectors, `outer` picks the second-level
// block out of the double-indirect block and `inner` indexes that.
type address struct {
	level addressLevel
	outer uint
	inner uint
}

// locate maps the index of a data sector within a file to where its pointer is
// stored. It panics if the index is past [MaxSectors].
func locate(index uint) address {
	switch {
	case index < firstIndirectIndex:
		return address{level: levelDirect, inner: index}
	case index < firstDoubleIndirectIndex:
		return address{level: levelIndirect, inner: index - firstIndirectIndex}
	case index < MaxSectors:
		relative := index - firstDoubleIndirectIndex
		return address{
			level: levelDoubleIndirect,
			outer: relative / PointersPerBlock,
			inner: relative % PointersPerBlock,
		}
	default:
		panic(fmt.Sprintf(
			"inode: sector index %d out of range; an inode can address at most %d",
			index, MaxSectors))
	}
}

// readIndirectBlock loads the indirect block stored at `sector` through the
// cache.
func (mgr *Manager) readIndirectBlock(sector c.Sector) (IndirectBlock, error) {
	buffer := mgr.buffers.Get()
	defer mgr.buffers.Put(buffer)

	err := mgr.cache.ReadSector(sector, buffer)
	if err != nil {
		return IndirectBlock{}, err
	}
	return UnmarshalIndirectBlock(buffer)
}

func (mgr *Manager) writeIndirectBlock(sector c.Sector, block *IndirectBlock) error {
	buffer := mgr.buffers.Get()
	defer mgr.buffers.Put(buffer)

	err := block.Marshal(buffer)
	if err != nil {
		return err
	}
	return mgr.cache.WriteSector(sector, buffer)
}

// sectorAt returns the device sector holding data sector `index` of the file
// described by `raw`. The index must be below raw.AllocatedSectors.
func (mgr *Manager) sectorAt(raw *RawInode, index uint) (c.Sector, error) {
	addr := locate(index)
	if index >= uint(raw.AllocatedSectors) {
		panic(fmt.Sprintf(
			"inode: sector index %d not allocated; only %d are",
			index, raw.AllocatedSectors))
	}

	switch addr.level {
	case levelDirect:
		return raw.Direct[addr.inner], nil

	case levelIndirect:
		block, err := mgr.readIndirectBlock(raw.Indirect)
		if err != nil {
			return c.InvalidSector, err
		}
		return block[addr.inner], nil

	default:
		outer, err := mgr.readIndirectBlock(raw.DoubleIndirect)
		if err != nil {
			return c.InvalidSector, err
		}
		block, err := mgr.readIndirectBlock(outer[addr.outer])
		if err != nil {
			return c.InvalidSector, err
		}
		return block[addr.inner], nil
	}
}
