package common

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs/errors"
)

// BlockDevice is an abstraction layer around a stream to make it look like a
// sector device, e.g. a file that can only be read from or written to one
// 512-byte sector at a time.
//
// Access to the stream is serialized, so a BlockDevice may be shared between
// the cache's foreground callers and its background workers.
type BlockDevice struct {
	// StartOffset is an offset from the beginning of the stream, in bytes, that
	// will be considered the beginning of sector 0 for the device. This is
	// useful for skipping over MBRs or other volumes stored on the same image.
	StartOffset  int64
	totalSectors uint
	stream       io.ReadWriteSeeker
	lock         sync.Mutex
}

func NewBlockDevice(
	stream io.ReadWriteSeeker, totalSectors uint, startOffset int64,
) *BlockDevice {
	return &BlockDevice{
		StartOffset:  startOffset,
		totalSectors: totalSectors,
		stream:       stream,
	}
}

// NewSectorDevice is a constructor that creates a new BlockDevice starting at
// offset 0 of the stream.
func NewSectorDevice(stream io.ReadWriteSeeker, totalSectors uint) *BlockDevice {
	return NewBlockDevice(stream, totalSectors, 0)
}

// TotalSectors gives the size of the device, in sectors.
func (device *BlockDevice) TotalSectors() uint {
	return device.totalSectors
}

func (device *BlockDevice) SectorToFileOffset(sector Sector) (int64, error) {
	if uint(sector) >= device.totalSectors {
		return -1, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)", sector, device.totalSectors),
		)
	}
	return device.StartOffset + (int64(sector) * SectorSize), nil
}

// CheckIOBounds verifies that a transfer of `dataLength` bytes starting at
// `sector` is exactly one sector and lies on the device.
func (device *BlockDevice) CheckIOBounds(sector Sector, dataLength uint) error {
	if uint(sector) >= device.totalSectors {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)", sector, device.totalSectors),
		)
	}

	if dataLength != SectorSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("buffer must be exactly %d bytes, got %d", SectorSize, dataLength),
		)
	}
	return nil
}

func (device *BlockDevice) seekToSector(sector Sector) error {
	offset, err := device.SectorToFileOffset(sector)
	if err != nil {
		return err
	}
	_, err = device.stream.Seek(offset, io.SeekStart)
	return err
}

// ReadSector fills `buffer` with the contents of `sector`. `buffer` must be
// exactly [SectorSize] bytes.
func (device *BlockDevice) ReadSector(sector Sector, buffer []byte) error {
	err := device.CheckIOBounds(sector, uint(len(buffer)))
	if err != nil {
		return err
	}

	device.lock.Lock()
	defer device.lock.Unlock()

	err = device.seekToSector(sector)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		return errors.ErrIOFailed.Wrap(
			fmt.Errorf("failed to read sector %d: %w", sector, err))
	}
	return nil
}

// WriteSector writes `buffer` to `sector`. `buffer` must be exactly
// [SectorSize] bytes.
func (device *BlockDevice) WriteSector(sector Sector, buffer []byte) error {
	err := device.CheckIOBounds(sector, uint(len(buffer)))
	if err != nil {
		return err
	}

	device.lock.Lock()
	defer device.lock.Unlock()

	err = device.seekToSector(sector)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	n, err := device.stream.Write(buffer)
	if err != nil {
		return errors.ErrIOFailed.Wrap(
			fmt.Errorf("failed to write sector %d: %w", sector, err))
	}
	if n < len(buffer) {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("short write to sector %d: %d of %d bytes", sector, n, len(buffer)))
	}
	return nil
}
