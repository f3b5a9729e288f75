/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"sync"
	"sync/atomic"
	"time"
)

// ZoneSlot is the per-zone publication point: an atomic pointer to the
// current ZoneContents. Readers acquire a pinned reference without taking
// any lock; writers build a new contents off to the side and publish it
// with a single pointer swap. A superseded contents is retired and only
// dropped after every reader that could still hold it has released it --
// the grace period. Under a garbage collector the final drop is
// bookkeeping, but the discipline keeps the "no reader ever observes a
// partially updated zone" guarantee explicit and testable.
type ZoneSlot struct {
	current atomic.Pointer[contentsRef]

	mu      sync.Mutex
	retired []*contentsRef
}

type contentsRef struct {
	zc      *ZoneContents
	readers atomic.Int64
}

const graceInterval = 100 * time.Millisecond

// Current returns the published contents without pinning it. Only for
// callers that do not hold on to the value across other operations
// (status reporting, serial peeks).
func (s *ZoneSlot) Current() *ZoneContents {
	ref := s.current.Load()
	if ref == nil {
		return nil
	}
	return ref.zc
}

// Acquire pins the current contents for the duration of one request and
// returns it with the matching release function. The retry loop closes the
// window between loading the pointer and taking the reference: if a publish
// won the race, we drop the stale pin and take the new version.
func (s *ZoneSlot) Acquire() (*ZoneContents, func()) {
	for {
		ref := s.current.Load()
		if ref == nil {
			return nil, func() {}
		}
		ref.readers.Add(1)
		if s.current.Load() == ref {
			return ref.zc, func() { ref.readers.Add(-1) }
		}
		ref.readers.Add(-1)
	}
}

// Publish swaps in a new contents and schedules the old version for
// reclamation once its readers have drained.
func (s *ZoneSlot) Publish(zc *ZoneContents) {
	next := &contentsRef{zc: zc}
	old := s.current.Swap(next)
	if old == nil {
		return
	}
	s.mu.Lock()
	s.retired = append(s.retired, old)
	s.mu.Unlock()
	time.AfterFunc(graceInterval, s.reclaim)
}

// reclaim drops retired versions whose reader count has reached zero; any
// version still pinned by a straggler is retried after another grace
// interval.
func (s *ZoneSlot) reclaim() {
	s.mu.Lock()
	var still []*contentsRef
	for _, ref := range s.retired {
		if ref.readers.Load() > 0 {
			still = append(still, ref)
			continue
		}
		ref.zc = nil
	}
	s.retired = still
	s.mu.Unlock()
	if len(still) > 0 {
		time.AfterFunc(graceInterval, s.reclaim)
	}
}

// RetiredCount reports how many superseded versions are still awaiting
// reclamation. Exposed for the management API and tests.
func (s *ZoneSlot) RetiredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retired)
}
