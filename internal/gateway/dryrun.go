package gateway

import (
	"context"
	"errors"
	"sync"
)

// DryRunSession is an in-memory stand-in for a real broker session. It is
// used when the engine runs without venue credentials and by integration
// tests that need scripted venue state.
type DryRunSession struct {
	mu        sync.Mutex
	positions map[int64]Position
	closed    map[int64]Verification
}

func NewDryRunSession() *DryRunSession {
	return &DryRunSession{
		positions: make(map[int64]Position),
		closed:    make(map[int64]Verification),
	}
}

// SetPosition adds or replaces an open position.
func (s *DryRunSession) SetPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Ticket] = p
	delete(s.closed, p.Ticket)
}

// ClosePosition removes an open position and records its final verification.
func (s *DryRunSession) ClosePosition(ticket int64, v Verification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, ticket)
	v.State = TicketClosed
	s.closed[ticket] = v
}

func (s *DryRunSession) OpenPositions(ctx context.Context, account string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *DryRunSession) VerifyTicket(ctx context.Context, ticket int64) (Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[ticket]; ok {
		return Verification{State: TicketOpen}, nil
	}
	if v, ok := s.closed[ticket]; ok {
		return v, nil
	}
	return Verification{State: TicketUnknown}, nil
}

func (s *DryRunSession) CloseTicket(ctx context.Context, ticket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok {
		return errors.New("ticket not open")
	}
	delete(s.positions, ticket)
	s.closed[ticket] = Verification{
		State:         TicketClosed,
		ClosingProfit: p.Profit,
		Swap:          p.Swap,
		Commission:    p.Commission,
		HasDeal:       true,
		Reason:        "manual close",
	}
	return nil
}
