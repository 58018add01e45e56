package testing

import (
	"testing"

	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CreateDefaultCache creates a sector cache over a random in-memory image.
// The background workers are not started.
//
// Returned, in order:
//
//   - The cache.
//   - The instrumented device beneath it, for counting I/O.
//   - The raw image. Writes that reach the device show up here immediately.
func CreateDefaultCache(
	totalSectors uint,
	t *testing.T,
	options ...blockcache.Option,
) (*blockcache.SectorCache, *InstrumentedDevice, []byte) {
	image := CreateRandomImage(totalSectors, t)
	device := NewInstrumentedDevice(CreateMemoryDevice(image, t))

	cache, err := blockcache.New(
		totalSectors, device.ReadSector, device.WriteSector, options...)
	require.NoError(t, err, "failed to create cache")
	assert.EqualValues(t, totalSectors, cache.TotalSectors(), "wrong total sectors")
	return cache, device, image
}

// CreateAllocator creates a free-space allocator for a device of
// `totalSectors`, with sectors 0 and 1 already reserved the way a formatted
// volume has them.
func CreateAllocator(totalSectors uint, t *testing.T) *c.Allocator {
	alloc := c.NewAllocator(totalSectors)
	require.NoError(t, alloc.Reserve(0, 2), "failed to reserve the first two sectors")
	return alloc
}

// StartCache starts the cache's background workers and arranges for them to be
// shut down when the test finishes.
func StartCache(cache *blockcache.SectorCache, t *testing.T) {
	require.NoError(t, cache.Startup(), "failed to start cache")
	t.Cleanup(func() {
		assert.NoError(t, cache.Shutdown(), "failed to shut down cache")
	})
}
