package blockcache

import (
	"sync"

	c "github.com/dargueta/sectorfs/file_systems/common"
)

// gate is a one-shot barrier. It can be claimed once, and once released every
// current and future waiter passes through. `claimed` is guarded by the
// read-ahead lock.
type gate struct {
	claimed  bool
	done     chan struct{}
	releaser sync.Once
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

// claim marks the gate as taken. It never blocks; it reports whether this call
// was the one that took it.
func (g *gate) claim() bool {
	if g.claimed {
		return false
	}
	g.claimed = true
	return true
}

func (g *gate) release() {
	g.releaser.Do(func() { close(g.done) })
}

func (g *gate) wait() {
	<-g.done
}

type readAheadRequest struct {
	sector c.Sector
	gate   *gate
}

// readAheader is the queue of sectors waiting to be prefetched. At most one
// request exists per sector.
type readAheader struct {
	lock      sync.Mutex
	pending   []*readAheadRequest
	bySector  map[c.Sector]*readAheadRequest
	accepting bool
}

func newReadAheader() *readAheader {
	return &readAheader{
		bySector: make(map[c.Sector]*readAheadRequest),
	}
}

func (ra *readAheader) setAccepting(accepting bool) {
	ra.lock.Lock()
	ra.accepting = accepting
	ra.lock.Unlock()
}

// request queues `sector` for prefetching unless it's already queued. The new
// request's gate is claimed on behalf of the caller, so anyone who tries to
// load the sector before the worker gets to it will wait.
func (ra *readAheader) request(sector c.Sector) {
	ra.lock.Lock()
	defer ra.lock.Unlock()

	if !ra.accepting {
		return
	}
	if _, exists := ra.bySector[sector]; exists {
		return
	}

	req := &readAheadRequest{sector: sector, gate: newGate()}
	req.gate.claim()
	ra.pending = append(ra.pending, req)
	ra.bySector[sector] = req
}

// wait blocks until the outstanding read-ahead request for `sector`, if any,
// has been serviced or discarded. The read-ahead lock is released before
// blocking.
func (ra *readAheader) wait(sector c.Sector) {
	ra.lock.Lock()
	req, exists := ra.bySector[sector]
	mustWait := exists && req.gate.claimed
	ra.lock.Unlock()

	if mustWait {
		req.gate.wait()
	}
}

// isPending reports whether there's an outstanding request for `sector`.
func (ra *readAheader) isPending(sector c.Sector) bool {
	ra.lock.Lock()
	defer ra.lock.Unlock()
	_, exists := ra.bySector[sector]
	return exists
}

// service runs `load` for the oldest pending request, then removes it and
// releases its waiters. It returns false if nothing was pending. `load` is
// called without the read-ahead lock held.
func (ra *readAheader) service(load func(sector c.Sector)) bool {
	ra.lock.Lock()
	if len(ra.pending) == 0 {
		ra.lock.Unlock()
		return false
	}
	req := ra.pending[0]
	ra.lock.Unlock()

	load(req.sector)

	ra.lock.Lock()
	// drain() may have emptied the queue while we were loading.
	if len(ra.pending) > 0 && ra.pending[0] == req {
		ra.pending[0] = nil
		ra.pending = ra.pending[1:]
	}
	if ra.bySector[req.sector] == req {
		delete(ra.bySector, req.sector)
	}
	ra.lock.Unlock()

	req.gate.release()
	return true
}

// drain discards every pending request without servicing it, and releases
// anyone waiting on them.
func (ra *readAheader) drain() {
	ra.lock.Lock()
	discarded := ra.pending
	ra.pending = nil
	ra.bySector = make(map[c.Sector]*readAheadRequest)
	ra.lock.Unlock()

	for _, req := range discarded {
		req.gate.release()
	}
}

// PendingReadAheads gives the number of sectors waiting to be prefetched.
func (cache *SectorCache) PendingReadAheads() int {
	cache.readAhead.lock.Lock()
	defer cache.readAhead.lock.Unlock()
	return len(cache.readAhead.pending)
}
