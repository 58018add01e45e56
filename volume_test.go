package sectorfs_test

import (
	"bytes"
	"crypto/rand"
	goerrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func formatImage(t *testing.T, totalSectors uint) []byte {
	image := make([]byte, totalSectors*c.SectorSize)
	err := sectorfs.Format(bytesextra.NewReadWriteSeeker(image), totalSectors)
	require.NoError(t, err, "formatting failed")
	return image
}

func mountImage(t *testing.T, image []byte) *sectorfs.Volume {
	vol, err := sectorfs.Mount(
		bytesextra.NewReadWriteSeeker(image),
		uint(len(image)/c.SectorSize),
		blockcache.WithFlushInterval(time.Millisecond),
		blockcache.WithReadAheadInterval(time.Millisecond),
	)
	require.NoError(t, err, "mounting failed")
	return vol
}

func TestVolume__Format__TooSmall(t *testing.T) {
	image := make([]byte, 2*c.SectorSize)
	err := sectorfs.Format(bytesextra.NewReadWriteSeeker(image), 2)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestVolume__Format__RootDirectory(t *testing.T) {
	vol := mountImage(t, formatImage(t, 256))

	root, err := vol.OpenRoot()
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	length, err := vol.InodeLength(root)
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)
	assert.EqualValues(t, 1, root.Inumber())
	require.NoError(t, vol.CloseInode(root))

	// Free map inode, root inode, one sector of free map data.
	assert.EqualValues(t, 256-3, vol.FreeSectors())
	require.NoError(t, vol.Unmount())
}

func TestVolume__Mount__Unformatted(t *testing.T) {
	image := make([]byte, 64*c.SectorSize)
	_, err := sectorfs.Mount(bytesextra.NewReadWriteSeeker(image), 64)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

// Data and allocations written before unmounting must be there after mounting
// the same image again.
func TestVolume__Persistence(t *testing.T) {
	image := formatImage(t, 2048)
	vol := mountImage(t, image)

	sector, err := vol.CreateInode(0, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)

	data := make([]byte, 150000)
	_, err = rand.Read(data)
	require.NoError(t, err)

	n, err := vol.WriteBytes(handle, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, vol.CloseInode(handle))

	freeBefore := vol.FreeSectors()
	require.NoError(t, vol.Unmount())

	vol = mountImage(t, image)
	defer func() { assert.NoError(t, vol.Unmount()) }()
	assert.Equal(t, freeBefore, vol.FreeSectors())

	handle, err = vol.OpenInode(sector)
	require.NoError(t, err)
	length, err := vol.InodeLength(handle)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), length)

	readBack := make([]byte, len(data)+100)
	n, err = vol.ReadBytes(handle, readBack, 0)
	require.NoError(t, err, "short reads shouldn't be errors")
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, readBack[:len(data)])
}

func TestVolume__Write__NoSpace(t *testing.T) {
	vol := mountImage(t, formatImage(t, 64))
	defer func() { assert.NoError(t, vol.Unmount()) }()

	sector, err := vol.CreateInode(0, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)

	freeBefore := vol.FreeSectors()
	n, err := vol.WriteBytes(handle, make([]byte, 64*c.SectorSize), 0)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	assert.Equal(t, 0, n)
	length, err := vol.InodeLength(handle)
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)
	assert.Equal(t, freeBefore, vol.FreeSectors())

	_, err = vol.CreateInode(64*c.SectorSize, false)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)

	// Something that does fit still works.
	n, err = vol.WriteBytes(handle, make([]byte, 10*c.SectorSize), 0)
	assert.NoError(t, err)
	assert.Equal(t, 10*c.SectorSize, n)
}

func TestVolume__Remove__ReleasesSpace(t *testing.T) {
	vol := mountImage(t, formatImage(t, 512))
	defer func() { assert.NoError(t, vol.Unmount()) }()

	freeBefore := vol.FreeSectors()
	sector, err := vol.CreateInode(50*c.SectorSize, false)
	require.NoError(t, err)
	assert.Equal(t, freeBefore-51, vol.FreeSectors())

	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)
	other, err := vol.ReopenInode(handle)
	require.NoError(t, err)

	require.NoError(t, vol.RemoveInode(handle))
	require.NoError(t, vol.CloseInode(handle))
	assert.Equal(t, freeBefore-51, vol.FreeSectors(), "released while still open")

	require.NoError(t, vol.CloseInode(other))
	assert.Equal(t, freeBefore, vol.FreeSectors())
}

func TestVolume__DenyWrite(t *testing.T) {
	vol := mountImage(t, formatImage(t, 128))
	defer func() { assert.NoError(t, vol.Unmount()) }()

	sector, err := vol.CreateInode(0, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)

	require.NoError(t, vol.DenyWrite(handle))
	n, err := vol.WriteBytes(handle, []byte("executable"), 0)
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	assert.Equal(t, 0, n)

	require.NoError(t, vol.AllowWrite(handle))
	n, err = vol.WriteBytes(handle, []byte("executable"), 0)
	assert.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestVolume__Flush(t *testing.T) {
	image := formatImage(t, 128)
	vol := mountImage(t, image)

	sector, err := vol.CreateInode(0, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)
	_, err = vol.WriteBytes(handle, []byte("flushed"), 0)
	require.NoError(t, err)

	require.NoError(t, vol.Flush())
	for _, info := range vol.Cache().Occupancy() {
		assert.Falsef(t, info.Dirty, "sector %d still dirty after flush", info.Sector)
	}
	require.NoError(t, vol.Unmount())

	_, err = vol.CreateInode(0, false)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, vol.Unmount(), errors.ErrInvalidFileDescriptor)
}

func TestVolume__Stream(t *testing.T) {
	vol := mountImage(t, formatImage(t, 512))
	defer func() { assert.NoError(t, vol.Unmount()) }()

	sector, err := vol.CreateInode(0, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)
	defer func() { assert.NoError(t, vol.CloseInode(handle)) }()

	data := make([]byte, 20000)
	_, err = rand.Read(data)
	require.NoError(t, err)

	n, err := io.Copy(vol.Stream(handle), bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), n)
	length, err := vol.InodeLength(handle)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), length)

	var output bytes.Buffer
	_, err = io.Copy(&output, vol.Stream(handle))
	require.NoError(t, err)
	assert.Equal(t, data, output.Bytes())
}

// flakyStream is an image that can be told to reject writes.
type flakyStream struct {
	io.ReadWriteSeeker
	failWrites atomic.Bool
}

func (stream *flakyStream) Write(buffer []byte) (int, error) {
	if stream.failWrites.Load() {
		return 0, goerrors.New("device is write-protected")
	}
	return stream.ReadWriteSeeker.Write(buffer)
}

func TestVolume__CreateInode__FailureReleasesSectors(t *testing.T) {
	stream := &flakyStream{ReadWriteSeeker: bytesextra.NewReadWriteSeeker(formatImage(t, 256))}
	vol, err := sectorfs.Mount(stream, 256)
	require.NoError(t, err)

	freeBefore := vol.FreeSectors()
	stream.failWrites.Store(true)
	_, err = vol.CreateInode(10*c.SectorSize, false)
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.Equal(t, freeBefore, vol.FreeSectors(), "failed create leaked sectors")

	stream.failWrites.Store(false)
	sector, err := vol.CreateInode(10*c.SectorSize, false)
	require.NoError(t, err)
	assert.Equal(t, freeBefore-11, vol.FreeSectors())
	assert.True(t, sector > 1)
	require.NoError(t, vol.Unmount())
}

func TestVolume__Unmount__RejectsFurtherUse(t *testing.T) {
	vol := mountImage(t, formatImage(t, 128))
	sector, err := vol.CreateInode(100, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)
	require.NoError(t, vol.Unmount())

	_, err = vol.OpenInode(sector)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	_, err = vol.ReopenInode(handle)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	_, err = vol.ReadBytes(handle, make([]byte, 10), 0)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	_, err = vol.WriteBytes(handle, []byte("late"), 0)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	_, err = vol.InodeLength(handle)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, vol.DenyWrite(handle), errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, vol.AllowWrite(handle), errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, vol.RemoveInode(handle), errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, vol.CloseInode(handle), errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, vol.Flush(), errors.ErrInvalidFileDescriptor)
}

// Readers running while the volume is unmounted either finish normally or are
// turned away; none of them run against a half-torn-down volume.
func TestVolume__Unmount__ConcurrentReaders(t *testing.T) {
	vol := mountImage(t, formatImage(t, 256))
	sector, err := vol.CreateInode(20*c.SectorSize, false)
	require.NoError(t, err)
	handle, err := vol.OpenInode(sector)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buffer := make([]byte, c.SectorSize)
			for {
				_, err := vol.ReadBytes(handle, buffer, int64(i*c.SectorSize))
				if err != nil {
					assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
					return
				}
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, vol.Unmount())
	wg.Wait()
}
