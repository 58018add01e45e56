package testing

import (
	"crypto/rand"
	"sync"
	"testing"

	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateRandomImage creates an image with the given number of sectors, filled
// with random bytes. It is guaranteed to either return a valid slice or fail
// the test and abort.
func CreateRandomImage(totalSectors uint, t *testing.T) []byte {
	backingData := make([]byte, c.SectorSize*totalSectors)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t, err, "failed to initialize %d sectors with random bytes", totalSectors)
	return backingData
}

// CreateMemoryDevice wraps `image` in a block device. Writes to the device
// modify `image` directly, so tests can inspect it without going through the
// cache. The image must be a whole number of sectors.
func CreateMemoryDevice(image []byte, t *testing.T) *c.BlockDevice {
	require.Zerof(
		t,
		len(image)%c.SectorSize,
		"image size %d isn't a multiple of the sector size",
		len(image),
	)

	stream := bytesextra.NewReadWriteSeeker(image)
	return c.NewSectorDevice(stream, uint(len(image)/c.SectorSize))
}

// InstrumentedDevice wraps a block device and counts reads and writes of each
// sector.
type InstrumentedDevice struct {
	Device *c.BlockDevice
	lock   sync.Mutex
	reads  map[c.Sector]int
	writes map[c.Sector]int
}

func NewInstrumentedDevice(device *c.BlockDevice) *InstrumentedDevice {
	return &InstrumentedDevice{
		Device: device,
		reads:  make(map[c.Sector]int),
		writes: make(map[c.Sector]int),
	}
}

func (dev *InstrumentedDevice) ReadSector(sector c.Sector, buffer []byte) error {
	dev.lock.Lock()
	dev.reads[sector]++
	dev.lock.Unlock()
	return dev.Device.ReadSector(sector, buffer)
}

func (dev *InstrumentedDevice) WriteSector(sector c.Sector, buffer []byte) error {
	dev.lock.Lock()
	dev.writes[sector]++
	dev.lock.Unlock()
	return dev.Device.WriteSector(sector, buffer)
}

// Reads gives the number of times `sector` has been read from the device.
func (dev *InstrumentedDevice) Reads(sector c.Sector) int {
	dev.lock.Lock()
	defer dev.lock.Unlock()
	return dev.reads[sector]
}

// Writes gives the number of times `sector` has been written to the device.
func (dev *InstrumentedDevice) Writes(sector c.Sector) int {
	dev.lock.Lock()
	defer dev.lock.Unlock()
	return dev.writes[sector]
}

// TotalReads gives the number of sector reads across the whole device.
func (dev *InstrumentedDevice) TotalReads() int {
	dev.lock.Lock()
	defer dev.lock.Unlock()

	total := 0
	for _, count := range dev.reads {
		total += count
	}
	return total
}

// ResetCounts zeroes all read and write counters.
func (dev *InstrumentedDevice) ResetCounts() {
	dev.lock.Lock()
	defer dev.lock.Unlock()
	dev.reads = make(map[c.Sector]int)
	dev.writes = make(map[c.Sector]int)
}
