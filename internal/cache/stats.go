package cache

import "sync/atomic"

// Stats is a snapshot of the orchestrator counters
type Stats struct {
	L1Hits        int64   `json:"l1Hits"`
	L1Misses      int64   `json:"l1Misses"`
	L2Hits        int64   `json:"l2Hits"`
	L2Misses      int64   `json:"l2Misses"`
	L2Timeouts    int64   `json:"l2Timeouts"`
	L2Errors      int64   `json:"l2Errors"`
	L2WriteErrors int64   `json:"l2WriteErrors"`
	HitRate       float64 `json:"hitRate"`
	L1Entries     int     `json:"l1Entries"`
	Backend       string  `json:"backend"`
	Distributed   bool    `json:"distributed"`
	Breaker       string  `json:"breaker"`
}

type counters struct {
	l1Hits        atomic.Int64
	l1Misses      atomic.Int64
	l2Hits        atomic.Int64
	l2Misses      atomic.Int64
	l2Timeouts    atomic.Int64
	l2Errors      atomic.Int64
	l2WriteErrors atomic.Int64
}

func (c *counters) snapshot() Stats {
	s := Stats{
		L1Hits:        c.l1Hits.Load(),
		L1Misses:      c.l1Misses.Load(),
		L2Hits:        c.l2Hits.Load(),
		L2Misses:      c.l2Misses.Load(),
		L2Timeouts:    c.l2Timeouts.Load(),
		L2Errors:      c.l2Errors.Load(),
		L2WriteErrors: c.l2WriteErrors.Load(),
	}
	// every read ends in exactly one L1 hit or one L1 miss
	if total := s.L1Hits + s.L1Misses; total > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(total)
	}
	return s
}

func (c *counters) reset() {
	c.l1Hits.Store(0)
	c.l1Misses.Store(0)
	c.l2Hits.Store(0)
	c.l2Misses.Store(0)
	c.l2Timeouts.Store(0)
	c.l2Errors.Store(0)
	c.l2WriteErrors.Store(0)
}
