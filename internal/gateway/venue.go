// Package gateway exposes the trading venue to the reconcilers: open-position
// snapshots and per-ticket closure verification over a single broker session.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Position is one open venue-side position.
type Position struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"open_price"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
}

// NetProfit is the position's live profit including swap and commission.
func (p Position) NetProfit() float64 {
	return p.Profit + p.Swap + p.Commission
}

// TicketState is the venue's answer to a per-ticket verification query.
type TicketState string

const (
	TicketOpen    TicketState = "open"
	TicketClosed  TicketState = "closed"
	TicketUnknown TicketState = "unknown"
)

// Verification is the authoritative per-ticket state from the venue.
// ClosingProfit is only meaningful when HasDeal is true: it is the final
// profit taken from the venue's historical deal record.
type Verification struct {
	State         TicketState
	ClosingProfit float64
	Swap          float64
	Commission    float64
	HasDeal       bool
	Reason        string
}

// Session is the broker-SDK boundary. Implementations are NOT safe for
// concurrent use; Venue serializes access.
type Session interface {
	OpenPositions(ctx context.Context, account string) ([]Position, error)
	VerifyTicket(ctx context.Context, ticket int64) (Verification, error)
	CloseTicket(ctx context.Context, ticket int64) error
}

// Venue wraps a single logical broker session. All calls are mutually
// exclusive (most venue session APIs are unsafe under concurrency), rate
// limited, and routed through a circuit breaker so a flapping venue trips
// fast instead of stalling every tick.
type Venue struct {
	mu      sync.Mutex
	session Session
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewVenue wraps session with serialization, rate limiting and a breaker.
// callsPerSec <= 0 disables rate limiting.
func NewVenue(session Session, callsPerSec float64, burst int) *Venue {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if callsPerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(callsPerSec), burst)
	}

	st := gobreaker.Settings{Name: "venue-session"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("venue breaker state change")
	}

	return &Venue{
		session: session,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// OpenPositions returns a snapshot of all open positions for the account.
func (v *Venue) OpenPositions(ctx context.Context, account string) ([]Position, error) {
	res, err := v.call(ctx, func(ctx context.Context) (any, error) {
		positions, err := v.session.OpenPositions(ctx, account)
		return positions, err
	})
	if err != nil {
		return nil, err
	}
	return res.([]Position), nil
}

// VerifyTicket re-queries the venue for one specific ticket. This is the
// authoritative check that guards against snapshot staleness.
func (v *Venue) VerifyTicket(ctx context.Context, ticket int64) (Verification, error) {
	res, err := v.call(ctx, func(ctx context.Context) (any, error) {
		verification, err := v.session.VerifyTicket(ctx, ticket)
		return verification, err
	})
	if err != nil {
		return Verification{State: TicketUnknown}, err
	}
	return res.(Verification), nil
}

// CloseTicket asks the venue to close the position behind the ticket.
func (v *Venue) CloseTicket(ctx context.Context, ticket int64) error {
	_, err := v.call(ctx, func(ctx context.Context) (any, error) {
		return nil, v.session.CloseTicket(ctx, ticket)
	})
	return err
}

func (v *Venue) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
}
