package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recon-core/internal/events"
	"recon-core/internal/gateway"
	"recon-core/pkg/db"
)

const testAccount = "acct"

type harness struct {
	database  *db.Database
	session   *gateway.DryRunSession
	bus       *events.Bus
	snapshot  *Snapshot
	recompute *RecomputeSet
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	cfg := DefaultConfig()
	cfg.VenueRetryAttempts = 1
	cfg.VenueRetryBackoff = Duration(time.Millisecond)

	return &harness{
		database:  database,
		session:   gateway.NewDryRunSession(),
		bus:       events.NewBus(),
		snapshot:  NewSnapshot(),
		recompute: NewRecomputeSet(),
		cfg:       cfg,
	}
}

func (h *harness) orders() *OrderReconciler {
	venue := gateway.NewVenue(h.session, 0, 0)
	return NewOrderReconciler(h.database, venue, h.bus, nil, h.cfg, testAccount, "test-instance", h.snapshot, h.recompute)
}

func (h *harness) cycles() *CycleReconciler {
	venue := gateway.NewVenue(h.session, 0, 0)
	return NewCycleReconciler(h.database, venue, h.bus, nil, h.cfg, testAccount, "test-instance", h.snapshot, h.recompute)
}

func (h *harness) seedOrder(t *testing.T, o db.Order) db.Order {
	t.Helper()
	if o.Account == "" {
		o.Account = testAccount
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, h.database.CreateOrder(context.Background(), o))
	return o
}

// failingSession errors on every call; used to exercise retry and restart
// behavior.
type failingSession struct{}

func (failingSession) OpenPositions(context.Context, string) ([]gateway.Position, error) {
	return nil, errors.New("terminal unreachable")
}
func (failingSession) VerifyTicket(context.Context, int64) (gateway.Verification, error) {
	return gateway.Verification{}, errors.New("terminal unreachable")
}
func (failingSession) CloseTicket(context.Context, int64) error {
	return errors.New("terminal unreachable")
}

func TestOrderTickClosesVerifiedMissingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 101, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1", Profit: 3})
	// The venue no longer holds the ticket and its deal history knows the
	// final result.
	h.session.ClosePosition(101, gateway.Verification{ClosingProfit: 12.5, HasDeal: true})

	res, err := h.orders().Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Suspicious)
	require.Equal(t, 1, res.Closed)

	o, err := h.database.GetOrderByTicket(ctx, testAccount, 101)
	require.NoError(t, err)
	require.Equal(t, db.OrderClosed, o.Status)
	require.Equal(t, 12.5, o.Profit)

	require.Equal(t, []string{"c1"}, h.recompute.Drain())
}

func TestOrderTickNeverClosesOnSnapshotAbsenceAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Missing from the snapshot and the venue answers "unknown": the order
	// must stay untouched.
	h.seedOrder(t, db.Order{ID: "o1", Ticket: 102, Symbol: "EURUSD", Status: db.OrderOpen})

	res, err := h.orders().Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Suspicious)
	require.Zero(t, res.Closed)
	require.Zero(t, res.Writes)

	o, err := h.database.GetOrderByTicket(ctx, testAccount, 102)
	require.NoError(t, err)
	require.Equal(t, db.OrderOpen, o.Status)
}

func TestOrderTickProfitUpdateAndIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 103, Symbol: "EURUSD", Status: db.OrderOpen, Profit: 1.0})
	h.session.SetPosition(gateway.Position{Ticket: 103, Symbol: "EURUSD", Profit: 4.75})

	r := h.orders()
	res, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ProfitUpdates)

	o, err := h.database.GetOrderByTicket(ctx, testAccount, 103)
	require.NoError(t, err)
	require.Equal(t, 4.75, o.Profit)

	// Unchanged sources: the next tick writes nothing.
	res, err = r.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Writes)

	require.False(t, h.snapshot.TakenAt().IsZero())
	_, open := h.snapshot.Get(103)
	require.True(t, open)
}

func TestOrderTickIgnoresSubThresholdDelta(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 104, Symbol: "EURUSD", Status: db.OrderOpen, Profit: 1.0})
	h.session.SetPosition(gateway.Position{Ticket: 104, Symbol: "EURUSD", Profit: 1.005})

	res, err := h.orders().Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Writes)
}

func TestOrderTickAbortsWhenVenueUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 105, Symbol: "EURUSD", Status: db.OrderOpen})

	venue := gateway.NewVenue(failingSession{}, 0, 0)
	r := NewOrderReconciler(h.database, venue, h.bus, nil, h.cfg, testAccount, "test-instance", h.snapshot, h.recompute)

	_, err := r.Tick(ctx)
	require.Error(t, err)

	// Nothing was classified or written.
	o, derr := h.database.GetOrderByTicket(ctx, testAccount, 105)
	require.NoError(t, derr)
	require.Equal(t, db.OrderOpen, o.Status)
	require.Equal(t, uint64(1), r.Stats().TotalErrors)
	require.Zero(t, r.Stats().TotalSyncs)
}

func TestCloseTicketMirrorsManualClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 106, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c9"})
	h.session.SetPosition(gateway.Position{Ticket: 106, Symbol: "EURUSD", Profit: -2.25})

	r := h.orders()
	require.NoError(t, r.CloseTicket(ctx, 106))

	o, err := h.database.GetOrderByTicket(ctx, testAccount, 106)
	require.NoError(t, err)
	require.Equal(t, db.OrderClosed, o.Status)
	require.Equal(t, -2.25, o.Profit)

	require.Equal(t, []string{"c9"}, h.recompute.Drain())

	// Closing a ticket the venue does not hold fails and leaves the ledger
	// alone.
	require.Error(t, r.CloseTicket(ctx, 9999))
}

func TestOrderAccessors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 501, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1"})
	h.seedOrder(t, db.Order{ID: "o2", Ticket: 502, Symbol: "XAUUSD", Status: db.OrderOpen, CycleID: "c2"})
	h.session.SetPosition(gateway.Position{Ticket: 501, Symbol: "EURUSD", Volume: 0.1})
	h.session.SetPosition(gateway.Position{Ticket: 502, Symbol: "XAUUSD", Volume: 0.2})

	r := h.orders()
	_, err := r.Tick(ctx)
	require.NoError(t, err)

	eur := r.OrdersBySymbol("EURUSD")
	require.Len(t, eur, 1)
	require.Equal(t, int64(501), eur[0].Ticket)
	require.Len(t, r.OrdersBySymbol(""), 2)

	byCycle, err := r.OrdersByCycle(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, byCycle, 1)
	require.Equal(t, "o2", byCycle[0].ID)
}

func TestOrderStatsTracksCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 107, Symbol: "EURUSD", Status: db.OrderOpen})
	h.session.SetPosition(gateway.Position{Ticket: 107, Symbol: "EURUSD"})
	h.session.SetPosition(gateway.Position{Ticket: 108, Symbol: "XAUUSD"})

	r := h.orders()
	_, err := r.Tick(ctx)
	require.NoError(t, err)

	stats := r.Stats()
	require.Equal(t, 2, stats.VenueOrders)
	require.Equal(t, 1, stats.LedgerCount)
	require.Equal(t, uint64(1), stats.TotalSyncs)
	require.False(t, stats.LastSync.IsZero())
}
