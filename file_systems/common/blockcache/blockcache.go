// Package blockcache provides a fixed-capacity sector cache that sits between
// the inode layer and a block device. It holds at most [NumSlots] sectors at a
// time, writes dirty sectors back periodically, and prefetches the sector
// following each one read.
//
// All sector indices begin at 0.

package blockcache

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/hashicorp/go-multierror"
	"github.com/oxtoacart/bpool"
)

// NumSlots is the number of sectors the cache can hold at once.
const NumSlots = 64

// FetchSectorCallback is a pointer to a function that writes the contents of a
// single sector from the backing storage into `buffer`. The following
// guarantees apply:
//
// - `sector` is in the range [0, TotalSectors).
// - `buffer` is always [c.SectorSize] bytes.
type FetchSectorCallback func(sector c.Sector, buffer []byte) error

// FlushSectorCallback is a pointer to a function that writes the contents of
// the given buffer to a sector in the backing storage. All restrictions and
// guarantees in [FetchSectorCallback] apply here too.
type FlushSectorCallback func(sector c.Sector, buffer []byte) error

type slot struct {
	sector      c.Sector
	data        []byte
	dirty       bool
	accessCount uint64
	index       int
	// loadedAt orders slots by when their sector was brought in, oldest
	// first.
	loadedAt uint64
}

// SlotInfo is a snapshot of one occupied slot's metadata.
type SlotInfo struct {
	Sector      c.Sector
	Index       int
	Dirty       bool
	AccessCount uint64
	LoadedAt    uint64
}

// SectorCache maps sectors to a fixed pool of in-memory slots.
//
// Slots are evicted by lowest access count, oldest first among equals. Counts
// never decay, so a sector that was hot early on stays resident even after it
// goes cold.
type SectorCache struct {
	// lock guards slots, occupied, and every field of every slot. It's never
	// held at the same time as the read-ahead lock.
	lock     sync.Mutex
	slots    [NumSlots]*slot
	occupied bitmap.Bitmap
	buffers  *bpool.BytePool
	loads    uint64

	fetch        FetchSectorCallback
	flush        FlushSectorCallback
	totalSectors uint

	readAhead         *readAheader
	flushInterval     time.Duration
	readAheadInterval time.Duration
	logger            *log.Logger

	lifecycleLock sync.Mutex
	running       bool
	stop          chan struct{}
	workers       sync.WaitGroup
}

// New creates a new SectorCache over a device of `totalSectors` sectors. The
// background workers don't run until [SectorCache.Startup] is called; until
// then the cache works synchronously and makes no read-ahead requests.
func New(
	totalSectors uint,
	fetchCb FetchSectorCallback,
	flushCb FlushSectorCallback,
	options ...Option,
) (*SectorCache, error) {
	cache := &SectorCache{
		occupied:          bitmap.New(NumSlots),
		buffers:           bpool.NewBytePool(NumSlots, c.SectorSize),
		fetch:             fetchCb,
		flush:             flushCb,
		totalSectors:      totalSectors,
		readAhead:         newReadAheader(),
		flushInterval:     DefaultFlushInterval,
		readAheadInterval: DefaultReadAheadInterval,
		logger:            log.New(io.Discard, "", 0),
	}

	for _, option := range options {
		err := option(cache)
		if err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// WrapDevice creates a [SectorCache] whose fetch and flush callbacks read and
// write `device` directly.
func WrapDevice(device *c.BlockDevice, options ...Option) (*SectorCache, error) {
	return New(device.TotalSectors(), device.ReadSector, device.WriteSector, options...)
}

// TotalSectors gives the size of the underlying device, in sectors.
func (cache *SectorCache) TotalSectors() uint {
	return cache.totalSectors
}

// checkBounds verifies that `buffer` can be transferred to or from `sector`.
func (cache *SectorCache) checkBounds(sector c.Sector, buffer []byte) error {
	if uint(sector) >= cache.totalSectors {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("invalid sector %d: not in range [0, %d)", sector, cache.totalSectors),
		)
	}
	if len(buffer) != c.SectorSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("buffer must be exactly %d bytes, got %d", c.SectorSize, len(buffer)),
		)
	}
	return nil
}

// Startup launches the background flusher and read-ahead worker.
func (cache *SectorCache) Startup() error {
	cache.lifecycleLock.Lock()
	defer cache.lifecycleLock.Unlock()

	if cache.running {
		return errors.ErrAlreadyInProgress.WithMessage("cache is already running")
	}

	cache.stop = make(chan struct{})
	cache.running = true
	cache.readAhead.setAccepting(true)

	cache.workers.Add(2)
	go cache.runPeriodically(cache.flushInterval, cache.flushFromWorker)
	go cache.runPeriodically(cache.readAheadInterval, func() { cache.serviceReadAhead() })
	return nil
}

// Shutdown stops the background workers, writes all dirty slots back to the
// device, and discards any read-ahead requests that were never serviced.
// Callers waiting on one of those requests fall through and read the sector
// themselves. The cache remains usable afterward, synchronously.
func (cache *SectorCache) Shutdown() error {
	cache.lifecycleLock.Lock()
	defer cache.lifecycleLock.Unlock()

	cache.readAhead.setAccepting(false)
	if cache.running {
		close(cache.stop)
		cache.workers.Wait()
		cache.running = false
	}

	err := cache.Flush()
	cache.readAhead.drain()
	return err
}

// IsRunning reports whether the background workers are active.
func (cache *SectorCache) IsRunning() bool {
	cache.lifecycleLock.Lock()
	defer cache.lifecycleLock.Unlock()
	return cache.running
}

func (cache *SectorCache) runPeriodically(interval time.Duration, task func()) {
	defer cache.workers.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cache.stop:
			return
		case <-ticker.C:
			task()
		}
	}
}

func (cache *SectorCache) flushFromWorker() {
	err := cache.Flush()
	if err != nil {
		cache.logger.Printf("periodic flush failed: %s", err.Error())
	}
}

// Lookup returns a snapshot of the slot holding `sector`, if there is one. It
// doesn't count as an access.
func (cache *SectorCache) Lookup(sector c.Sector) (SlotInfo, bool) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	s := cache.lookup(sector)
	if s == nil {
		return SlotInfo{}, false
	}
	return s.info(), true
}

// Occupancy returns snapshots of all occupied slots, in slot index order.
func (cache *SectorCache) Occupancy() []SlotInfo {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	result := make([]SlotInfo, 0, NumSlots)
	for i := 0; i < NumSlots; i++ {
		if cache.occupied.Get(i) {
			result = append(result, cache.slots[i].info())
		}
	}
	return result
}

func (s *slot) info() SlotInfo {
	return SlotInfo{
		Sector:      s.sector,
		Index:       s.index,
		Dirty:       s.dirty,
		AccessCount: s.accessCount,
		LoadedAt:    s.loadedAt,
	}
}

// lookup is a linear scan over the occupied slots. The caller must hold the
// cache lock.
func (cache *SectorCache) lookup(sector c.Sector) *slot {
	for i := 0; i < NumSlots; i++ {
		if cache.occupied.Get(i) && cache.slots[i].sector == sector {
			return cache.slots[i]
		}
	}
	return nil
}

// freeIndex returns the lowest unoccupied slot index, or -1 if the cache is
// full. The caller must hold the cache lock.
func (cache *SectorCache) freeIndex() int {
	for i := 0; i < NumSlots; i++ {
		if !cache.occupied.Get(i) {
			return i
		}
	}
	return -1
}

// load returns the slot for `sector`, reading it from the device on a miss and
// evicting a slot first if none are free. If `countAccess` is true the slot's
// access count is incremented.
//
// The caller must hold the cache lock, and must already have waited out any
// read-ahead request for `sector` if it's going to.
func (cache *SectorCache) load(sector c.Sector, countAccess bool) (*slot, error) {
	s := cache.lookup(sector)
	if s == nil {
		index := cache.freeIndex()
		if index < 0 {
			err := cache.evict()
			if err != nil {
				return nil, err
			}
			index = cache.freeIndex()
			if index < 0 {
				panic("blockcache: no free slot after eviction")
			}
		}

		data := cache.buffers.Get()
		err := cache.fetch(sector, data)
		if err != nil {
			cache.buffers.Put(data)
			return nil, fmt.Errorf("failed to load sector %d from device: %w", sector, err)
		}

		cache.loads++
		s = &slot{sector: sector, data: data, index: index, loadedAt: cache.loads}
		cache.slots[index] = s
		cache.occupied.Set(index, true)
	}

	if countAccess {
		s.accessCount++
	}
	return s, nil
}

// evict frees the slot with the lowest access count, writing it back first if
// it's dirty. Ties go to the slot that was loaded first. It must only be called
// when every slot is occupied. The caller must hold the cache lock.
func (cache *SectorCache) evict() error {
	if cache.freeIndex() >= 0 {
		panic("blockcache: evict called while a slot is still free")
	}

	var victim *slot
	for i := 0; i < NumSlots; i++ {
		s := cache.slots[i]
		if victim == nil ||
			s.accessCount < victim.accessCount ||
			(s.accessCount == victim.accessCount && s.loadedAt < victim.loadedAt) {
			victim = s
		}
	}
	if victim == nil {
		panic("blockcache: cache is full but has no eviction candidate")
	}

	if victim.dirty {
		err := cache.flush(victim.sector, victim.data)
		if err != nil {
			return fmt.Errorf(
				"failed to write back sector %d during eviction: %w", victim.sector, err)
		}
	}

	cache.releaseSlot(victim.index)
	return nil
}

// releaseSlot drops the slot at `index` and recycles its buffer. The caller
// must hold the cache lock.
func (cache *SectorCache) releaseSlot(index int) {
	if !cache.occupied.Get(index) {
		panic(fmt.Sprintf("blockcache: double free of slot %d", index))
	}
	cache.buffers.Put(cache.slots[index].data)
	cache.slots[index] = nil
	cache.occupied.Set(index, false)
}

// ReadSector fills `buffer` with the contents of `sector`, loading it into the
// cache if needed. If the background workers are running, this also asks for
// the following sector to be prefetched.
func (cache *SectorCache) ReadSector(sector c.Sector, buffer []byte) error {
	err := cache.checkBounds(sector, buffer)
	if err != nil {
		return err
	}

	cache.readAhead.wait(sector)

	cache.lock.Lock()
	s, err := cache.load(sector, true)
	if err == nil {
		copy(buffer, s.data)
	}
	cache.lock.Unlock()

	if err != nil {
		return err
	}

	if uint(sector)+1 < cache.totalSectors {
		cache.readAhead.request(sector + 1)
	}
	return nil
}

// WriteSector copies `buffer` into the cached copy of `sector` and marks it
// dirty, then writes `buffer` to the device immediately. The slot is still
// written back again on the next flush or on eviction.
func (cache *SectorCache) WriteSector(sector c.Sector, buffer []byte) error {
	err := cache.checkBounds(sector, buffer)
	if err != nil {
		return err
	}

	cache.readAhead.wait(sector)

	cache.lock.Lock()
	defer cache.lock.Unlock()

	s, err := cache.load(sector, true)
	if err != nil {
		return err
	}

	copy(s.data, buffer)
	s.dirty = true

	err = cache.flush(sector, buffer)
	if err != nil {
		return fmt.Errorf("failed to write sector %d through to device: %w", sector, err)
	}
	return nil
}

// Flush writes every dirty slot back to the device and marks it clean. Slots
// are not evicted. A slot that fails to write stays dirty, and flushing
// continues with the rest.
func (cache *SectorCache) Flush() error {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	var result *multierror.Error
	for i := 0; i < NumSlots; i++ {
		if !cache.occupied.Get(i) {
			continue
		}

		s := cache.slots[i]
		if !s.dirty {
			continue
		}

		err := cache.flush(s.sector, s.data)
		if err != nil {
			result = multierror.Append(
				result, fmt.Errorf("failed to flush sector %d: %w", s.sector, err))
			continue
		}
		s.dirty = false
	}
	return result.ErrorOrNil()
}

// serviceReadAhead loads the sector of the oldest pending read-ahead request
// and wakes everyone waiting on it. It returns false if nothing was pending.
func (cache *SectorCache) serviceReadAhead() bool {
	return cache.readAhead.service(func(sector c.Sector) {
		cache.lock.Lock()
		_, err := cache.load(sector, false)
		cache.lock.Unlock()

		if err != nil {
			cache.logger.Printf("read-ahead of sector %d failed: %s", sector, err.Error())
		}
	})
}
