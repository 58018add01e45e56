package inode

import (
	"encoding/binary"
	"testing"

	c "github.com/dargueta/sectorfs/file_systems/common"
	dt "github.com/dargueta/sectorfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawInode__Size(t *testing.T) {
	assert.Equal(t, c.SectorSize, binary.Size(RawInode{}))
	assert.Equal(t, c.SectorSize, binary.Size(IndirectBlock{}))
	assert.Equal(t, 16608, MaxSectors)
}

func TestLocate__Levels(t *testing.T) {
	assert.Equal(t, address{level: levelDirect, inner: 0}, locate(0))
	assert.Equal(t, address{level: levelDirect, inner: 95}, locate(95))
	assert.Equal(t, address{level: levelIndirect, inner: 0}, locate(96))
	assert.Equal(t, address{level: levelIndirect, inner: 127}, locate(223))
	assert.Equal(t, address{level: levelDoubleIndirect, outer: 0, inner: 0}, locate(224))
	assert.Equal(t, address{level: levelDoubleIndirect, outer: 1, inner: 3}, locate(224+128+3))
	assert.Equal(t, address{level: levelDoubleIndirect, outer: 127, inner: 127}, locate(16607))
	assert.Panics(t, func() { locate(16608) })
}

func TestGrowthCost(t *testing.T) {
	assert.EqualValues(t, 0, GrowthCost(10, 10))
	assert.EqualValues(t, 0, GrowthCost(10, 5))
	assert.EqualValues(t, 96, GrowthCost(0, 96))
	// Crossing into the indirect block costs the block itself.
	assert.EqualValues(t, 2, GrowthCost(96, 97))
	assert.EqualValues(t, 1, GrowthCost(97, 98))
	// Crossing into the double-indirect tree costs the outer block and the
	// first second-level block.
	assert.EqualValues(t, 3, GrowthCost(224, 225))
	assert.EqualValues(t, 2, GrowthCost(224+128, 224+129))
	assert.EqualValues(t, 16608+1+1+128, GrowthCost(0, MaxSectors))
}

func newTestManager(t *testing.T, totalSectors uint) (*Manager, *c.Allocator) {
	cache, _, _ := dt.CreateDefaultCache(totalSectors, t)
	alloc := dt.CreateAllocator(totalSectors, t)
	return NewManager(cache, alloc), alloc
}

func createAndOpen(t *testing.T, mgr *Manager, alloc *c.Allocator, length int64) *Inode {
	sector, err := alloc.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, mgr.Create(sector, length, false))

	inode, err := mgr.Open(sector)
	require.NoError(t, err)
	return inode
}

// Walk a file out to the last addressable sector, checking that the sectors at
// each level boundary come from the right place in the index.
func TestResolve__IndexBoundaries(t *testing.T) {
	const totalSectors = 17000
	mgr, alloc := newTestManager(t, totalSectors)
	inode := createAndOpen(t, mgr, alloc, 0)
	freeBefore := alloc.CountFree()

	sector, err := inode.Resolve(95*c.SectorSize, true)
	require.NoError(t, err)
	assert.Equal(t, inode.raw.Direct[95], sector)
	assert.EqualValues(t, 96, inode.raw.AllocatedSectors)

	sector, err = inode.Resolve(96*c.SectorSize, true)
	require.NoError(t, err)
	indirect, err := mgr.readIndirectBlock(inode.raw.Indirect)
	require.NoError(t, err)
	assert.Equal(t, indirect[0], sector, "index 96 should be the first indirect entry")

	sector, err = inode.Resolve(223*c.SectorSize+100, true)
	require.NoError(t, err)
	indirect, err = mgr.readIndirectBlock(inode.raw.Indirect)
	require.NoError(t, err)
	assert.Equal(t, indirect[127], sector, "index 223 should be the last indirect entry")

	sector, err = inode.Resolve(224*c.SectorSize, true)
	require.NoError(t, err)
	outer, err := mgr.readIndirectBlock(inode.raw.DoubleIndirect)
	require.NoError(t, err)
	second, err := mgr.readIndirectBlock(outer[0])
	require.NoError(t, err)
	assert.Equal(t, second[0], sector, "index 224 should be the first double-indirect entry")

	sector, err = inode.Resolve(16607*c.SectorSize+511, true)
	require.NoError(t, err)
	outer, err = mgr.readIndirectBlock(inode.raw.DoubleIndirect)
	require.NoError(t, err)
	second, err = mgr.readIndirectBlock(outer[127])
	require.NoError(t, err)
	assert.Equal(t, second[127], sector, "index 16607 should be the last addressable entry")
	assert.EqualValues(t, MaxSectors, inode.raw.AllocatedSectors)

	assert.Equal(t, freeBefore-GrowthCost(0, MaxSectors), alloc.CountFree())

	assert.Panics(t, func() { _, _ = inode.Resolve(16608*c.SectorSize, true) })
	// The panic mustn't leave the handle locked.
	assert.EqualValues(t, 0, inode.Length())
}

func TestResolve__GrowthIsIdempotent(t *testing.T) {
	mgr, alloc := newTestManager(t, 2048)
	inode := createAndOpen(t, mgr, alloc, 0)

	first, err := inode.Resolve(1000*c.SectorSize, true)
	require.NoError(t, err)
	freeAfterFirst := alloc.CountFree()

	second, err := inode.Resolve(1000*c.SectorSize+17, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, freeAfterFirst, alloc.CountFree(), "second resolve allocated more sectors")
	assert.EqualValues(t, 1001, inode.AllocatedSectors())
}

func TestCreate__GrowsAcrossLevels(t *testing.T) {
	mgr, alloc := newTestManager(t, 1024)
	freeBefore := alloc.CountFree()

	inode := createAndOpen(t, mgr, alloc, 300*c.SectorSize)
	assert.EqualValues(t, 300, inode.raw.AllocatedSectors)
	assert.NotZero(t, inode.raw.Indirect)
	assert.NotZero(t, inode.raw.DoubleIndirect)
	// Inode + data + indirect + double-indirect + one second-level block.
	assert.Equal(t, freeBefore-1-300-3, alloc.CountFree())

	seen := make(map[c.Sector]bool)
	for index := uint(0); index < 300; index++ {
		sector, err := mgr.sectorAt(&inode.raw, index)
		require.NoError(t, err)
		require.Falsef(t, seen[sector], "sector %d mapped twice", sector)
		require.True(t, alloc.IsAllocated(sector))
		seen[sector] = true
	}
}

func TestCreate__TooLarge(t *testing.T) {
	mgr, _ := newTestManager(t, 64)
	err := mgr.Create(2, MaxFileSize+1, false)
	assert.Error(t, err)
}
