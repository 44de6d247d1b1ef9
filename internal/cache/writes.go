package cache

import "sync"

// writeGate orders background L2 writes against invalidations. A write
// scheduled before an invalidation that covers its key is dropped, and an
// invalidation's L2 mutation never overlaps a write in flight.
type writeGate struct {
	// held shared by writes, exclusively by invalidations
	order sync.RWMutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]struct{}
	cleared []clearing
}

type clearing struct {
	seq   uint64
	match func(key string) bool
}

// schedule registers a write and returns its sequence number. It must be
// called synchronously by the writer so program order is kept.
func (g *writeGate) schedule() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.pending == nil {
		g.pending = make(map[uint64]struct{})
	}
	g.pending[g.seq] = struct{}{}
	return g.seq
}

// write runs fn for the write scheduled as seq unless a later invalidation
// covers key. It reports whether fn ran.
func (g *writeGate) write(seq uint64, key string, fn func()) bool {
	g.order.RLock()
	defer g.order.RUnlock()
	defer g.finish(seq)

	if g.covered(seq, key) {
		return false
	}
	fn()
	return true
}

func (g *writeGate) covered(seq uint64, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.cleared {
		if c.seq > seq && c.match(key) {
			return true
		}
	}
	return false
}

// finish drops seq and every clearing no pending write predates
func (g *writeGate) finish(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, seq)
	if len(g.pending) == 0 {
		g.cleared = nil
		return
	}
	oldest := g.seq
	for s := range g.pending {
		oldest = min(oldest, s)
	}
	kept := g.cleared[:0]
	for _, c := range g.cleared {
		if c.seq > oldest {
			kept = append(kept, c)
		}
	}
	g.cleared = kept
}

// invalidate records that keys matching match are cleared as of now, waits
// for writes in flight, then runs fn with writes held off.
func (g *writeGate) invalidate(match func(key string) bool, fn func()) {
	g.mu.Lock()
	g.seq++
	if len(g.pending) > 0 {
		g.cleared = append(g.cleared, clearing{seq: g.seq, match: match})
	}
	g.mu.Unlock()

	g.order.Lock()
	defer g.order.Unlock()
	fn()
}

// pendingCount returns the number of scheduled L2 writes not yet finished
func (g *writeGate) pendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
