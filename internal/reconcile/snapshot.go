package reconcile

import (
	"sync"
	"time"

	"recon-core/internal/gateway"
)

// Snapshot holds the most recent venue position snapshot, produced by the
// order reconciler and consumed by the cycle reconciler.
type Snapshot struct {
	mu        sync.RWMutex
	positions map[int64]gateway.Position
	takenAt   time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{positions: make(map[int64]gateway.Position)}
}

// Replace swaps in a freshly fetched snapshot.
func (s *Snapshot) Replace(positions []gateway.Position) {
	m := make(map[int64]gateway.Position, len(positions))
	for _, p := range positions {
		m[p.Ticket] = p
	}
	s.mu.Lock()
	s.positions = m
	s.takenAt = time.Now()
	s.mu.Unlock()
}

// Get returns the position for a ticket, if currently open at the venue.
func (s *Snapshot) Get(ticket int64) (gateway.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[ticket]
	return p, ok
}

// BySymbol returns the open positions trading one symbol. An empty symbol
// returns the whole snapshot.
func (s *Snapshot) BySymbol(symbol string) []gateway.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of open positions in the snapshot.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// TakenAt reports when the snapshot was captured; zero before the first sync.
func (s *Snapshot) TakenAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.takenAt
}

// RecomputeSet collects cycle ids flagged for aggregate recomputation. The
// order reconciler flags a cycle when one of its orders closes; the cycle
// reconciler drains the set on its next tick.
type RecomputeSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewRecomputeSet() *RecomputeSet {
	return &RecomputeSet{ids: make(map[string]struct{})}
}

// Flag marks a cycle as needing recomputation. Flagging is idempotent.
func (r *RecomputeSet) Flag(cycleID string) {
	if cycleID == "" {
		return
	}
	r.mu.Lock()
	r.ids[cycleID] = struct{}{}
	r.mu.Unlock()
}

// Drain returns and clears all flagged cycle ids.
func (r *RecomputeSet) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.ids = make(map[string]struct{})
	return out
}
