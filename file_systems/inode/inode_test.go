package inode_test

import (
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/dargueta/sectorfs/file_systems/inode"
	dt "github.com/dargueta/sectorfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cache   *blockcache.SectorCache
	device  *dt.InstrumentedDevice
	alloc   *c.Allocator
	manager *inode.Manager
}

func newFixture(t *testing.T, totalSectors uint, options ...blockcache.Option) fixture {
	cache, device, _ := dt.CreateDefaultCache(totalSectors, t, options...)
	alloc := dt.CreateAllocator(totalSectors, t)
	return fixture{
		cache:   cache,
		device:  device,
		alloc:   alloc,
		manager: inode.NewManager(cache, alloc),
	}
}

func (f fixture) create(t *testing.T, length int64) c.Sector {
	sector, err := f.alloc.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, f.manager.Create(sector, length, false))
	return sector
}

func (f fixture) open(t *testing.T, sector c.Sector) *inode.Inode {
	handle, err := f.manager.Open(sector)
	require.NoError(t, err)
	return handle
}

func randomBytes(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestInode__Create__ZeroFilled(t *testing.T) {
	f := newFixture(t, 256)
	handle := f.open(t, f.create(t, 5000))

	assert.EqualValues(t, 5000, handle.Length())
	assert.EqualValues(t, 10, handle.AllocatedSectors())
	assert.False(t, handle.IsDir())

	buffer := make([]byte, 5000)
	n, err := handle.ReadAt(buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, 5000, n)
	assert.Equal(t, make([]byte, 5000), buffer)
}

func TestInode__Create__Directory(t *testing.T) {
	f := newFixture(t, 64)
	handle := f.open(t, f.create(t, 0))
	assert.False(t, handle.IsDir())

	sector, err := f.alloc.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, f.manager.Create(sector, 0, true))
	assert.True(t, f.open(t, sector).IsDir())
}

func TestInode__Open__BadMagic(t *testing.T) {
	f := newFixture(t, 64)
	// Sector 40 was never formatted, so it's full of random bytes.
	_, err := f.manager.Open(40)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
	assert.False(t, f.manager.IsOpen(40))
}

func TestInode__ReadWrite__Unaligned(t *testing.T) {
	f := newFixture(t, 256)
	handle := f.open(t, f.create(t, 0))

	data := randomBytes(t, 3000)
	n, err := handle.WriteAt(data, 700)
	require.NoError(t, err)
	assert.Equal(t, 3000, n)
	assert.EqualValues(t, 3700, handle.Length())

	readBack := make([]byte, 3700)
	n, err = handle.ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, 3700, n)
	assert.Equal(t, make([]byte, 700), readBack[:700], "gap before the write should be zeroed")
	assert.Equal(t, data, readBack[700:])

	// Overwrite a few bytes in the middle of a sector.
	_, err = handle.WriteAt([]byte("hello"), 1030)
	require.NoError(t, err)
	small := make([]byte, 9)
	_, err = handle.ReadAt(small, 1028)
	require.NoError(t, err)
	assert.Equal(t, data[328:330], small[:2])
	assert.Equal(t, []byte("hello"), small[2:7])
	assert.Equal(t, data[335:337], small[7:])
	assert.EqualValues(t, 3700, handle.Length(), "overwrite mustn't change the length")
}

func TestInode__Read__PastEnd(t *testing.T) {
	f := newFixture(t, 64)
	handle := f.open(t, f.create(t, 1000))

	buffer := make([]byte, 100)
	n, err := handle.ReadAt(buffer, 1000)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, n)

	n, err = handle.ReadAt(buffer, 950)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 50, n, "read should be cut short at the end of the file")

	_, err = handle.Resolve(1024, false)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInode__Write__TooLarge(t *testing.T) {
	f := newFixture(t, 64)
	handle := f.open(t, f.create(t, 0))

	n, err := handle.WriteAt([]byte{1}, inode.MaxFileSize)
	assert.ErrorIs(t, err, errors.ErrFileTooLarge)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 0, handle.AllocatedSectors())
}

func TestInode__DenyWrite(t *testing.T) {
	f := newFixture(t, 64)
	handle := f.open(t, f.create(t, 0))

	handle.DenyWrite()
	n, err := handle.WriteAt([]byte("abc"), 0)
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 0, handle.Length())

	// Reads still work.
	_, err = handle.ReadAt(make([]byte, 0), 0)
	assert.NoError(t, err)

	// Only one opener, so a second denial is a bug.
	assert.Panics(t, handle.DenyWrite)

	handle.AllowWrite()
	n, err = handle.WriteAt([]byte("abc"), 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Panics(t, handle.AllowWrite)
}

func TestInode__DirectoryCounters__Persisted(t *testing.T) {
	f := newFixture(t, 64)
	sector := f.create(t, 0)
	handle := f.open(t, sector)

	require.NoError(t, handle.AdjustOpenedCount(2))
	require.NoError(t, handle.AdjustCwdCount(1))
	require.NoError(t, handle.AdjustOpenedCount(-1))
	require.NoError(t, f.manager.Close(handle))

	// A fresh manager has no handles, so this reads the inode back from disk.
	other := inode.NewManager(f.cache, f.alloc)
	reopened, err := other.Open(sector)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reopened.OpenedCount())
	assert.EqualValues(t, 1, reopened.CwdCount())
}

// Write 600,000 bytes into an empty file with the background workers running,
// reopen it, and read it all back. This goes well into the double-indirect
// range.
func TestInode__EndToEnd(t *testing.T) {
	f := newFixture(
		t,
		2048,
		blockcache.WithFlushInterval(time.Millisecond),
		blockcache.WithReadAheadInterval(time.Millisecond),
	)
	dt.StartCache(f.cache, t)

	sector := f.create(t, 0)
	handle := f.open(t, sector)

	data := randomBytes(t, 600000)
	n, err := handle.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.manager.Close(handle))
	require.False(t, f.manager.IsOpen(sector))

	handle = f.open(t, sector)
	assert.EqualValues(t, 600000, handle.Length())
	assert.EqualValues(t, 1172, handle.AllocatedSectors())

	readBack := make([]byte, 600000)
	n, err = handle.ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, readBack)
	require.NoError(t, f.manager.Close(handle))
}
