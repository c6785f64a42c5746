package reconcile

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recon-core/internal/gateway"
	"recon-core/pkg/db"
)

func (h *harness) seedCycle(t *testing.T, c db.Cycle) db.Cycle {
	t.Helper()
	if c.Account == "" {
		c.Account = testAccount
	}
	if c.Status == "" {
		c.Status = db.CycleActive
	}
	if c.Kind == "" {
		c.Kind = db.KindStandard
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, h.database.UpsertCycle(context.Background(), c))
	return c
}

func TestCycleTickRecomputesAggregates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 201, Symbol: "EURUSD", Status: db.OrderClosed, CycleID: "c1", Profit: 10, Volume: 0.1})
	h.seedOrder(t, db.Order{ID: "o2", Ticket: 202, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1", Profit: 2.5, Volume: 0.2})
	h.seedCycle(t, db.Cycle{ID: "c1", Symbol: "EURUSD", InitialOrders: []string{"o2"}, ClosedOrders: []string{"o1"}})

	r := h.cycles()
	res, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Active)
	require.Equal(t, 1, res.Recomputed)

	c, err := h.database.GetCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 12.5, c.TotalProfit)
	// Only the open order contributes live volume.
	require.Equal(t, 0.2, c.TotalVolume)

	// Unchanged orders: the next tick writes nothing.
	res, err = r.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Recomputed)

	stats := r.Stats()
	require.Equal(t, 1, stats.ActiveCount)
	require.Equal(t, 1, stats.StandardCount)
	require.Equal(t, 12.5, stats.StandardProfit)
	require.Equal(t, uint64(2), stats.TotalSyncs)
}

func TestCycleTickSettlesFlaggedClosedCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 203, Symbol: "EURUSD", Status: db.OrderClosed, CycleID: "c2", Profit: -4})
	h.seedCycle(t, db.Cycle{
		ID: "c2", Symbol: "EURUSD", Status: db.CycleClosed, ClosedOrders: []string{"o1"},
		ClosedAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
	})
	h.recompute.Flag("c2")

	res, err := h.cycles().Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Active)
	require.Equal(t, 1, res.Recomputed)

	c, err := h.database.GetCycle(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, -4.0, c.TotalProfit)
	require.Equal(t, db.CycleClosed, c.Status)
}

func TestValidateRepairsReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// c1 references a ghost order and misses o2, which claims membership.
	h.seedOrder(t, db.Order{ID: "o1", Ticket: 204, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1"})
	h.seedOrder(t, db.Order{ID: "o2", Ticket: 205, Symbol: "EURUSD", Status: db.OrderClosed, CycleID: "c1"})
	h.seedCycle(t, db.Cycle{ID: "c1", Symbol: "EURUSD", InitialOrders: []string{"o1", "ghost"}})

	r := h.cycles()
	res, err := r.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.DroppedRefs)
	require.Equal(t, 1, res.Adopted)

	c, err := h.database.GetCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"o1"}, c.InitialOrders)
	// o2 is closed, so it was adopted into the closed list.
	require.Equal(t, []string{"o2"}, c.ClosedOrders)
	require.Equal(t, uint64(1), r.Stats().FixedCycles)

	// Repaired cycle is flagged so the next tick settles its aggregates.
	require.Equal(t, []string{"c1"}, h.recompute.Drain())
}

func TestValidateAdoptsOrphanByRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "h1", Ticket: 206, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1", HedgeLevel: 2})
	h.seedOrder(t, db.Order{ID: "p1", Ticket: 207, Symbol: "EURUSD", Status: db.OrderPending, CycleID: "c1"})
	h.seedCycle(t, db.Cycle{ID: "c1", Symbol: "EURUSD", Kind: db.KindHedge, HedgeState: `{"levels":[],"activation_loss":-100}`})

	_, err := h.cycles().Validate(ctx)
	require.NoError(t, err)

	c, err := h.database.GetCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"h1"}, c.HedgeOrders)
	require.Equal(t, []string{"p1"}, c.PendingOrders)
}

func TestValidateReopensIncorrectlyClosedCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.seedOrder(t, db.Order{ID: "o1", Ticket: 208, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1"})
	h.seedCycle(t, db.Cycle{
		ID: "c1", Symbol: "EURUSD", Status: db.CycleClosed, InitialOrders: []string{"o1"},
		ClosedAt: sql.NullTime{Time: time.Now().UTC().Add(-2 * time.Hour), Valid: true},
	})
	// The venue still holds the position: the closure was wrong.
	h.session.SetPosition(gateway.Position{Ticket: o.Ticket, Symbol: "EURUSD"})

	r := h.cycles()
	res, err := r.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Reopened)

	c, err := h.database.GetCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, db.CycleActive, c.Status)
	require.False(t, c.ClosedAt.Valid)
	require.Equal(t, []string{"c1"}, h.recompute.Drain())
}

func TestValidateLeavesOldClosuresAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.seedOrder(t, db.Order{ID: "o1", Ticket: 209, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1"})
	// Closed outside the repair window; immutable even though the venue
	// still reports the ticket open.
	h.seedCycle(t, db.Cycle{
		ID: "c1", Symbol: "EURUSD", Status: db.CycleClosed, InitialOrders: []string{"o1"},
		ClosedAt: sql.NullTime{Time: time.Now().UTC().Add(-48 * time.Hour), Valid: true},
	})
	h.session.SetPosition(gateway.Position{Ticket: o.Ticket, Symbol: "EURUSD"})

	res, err := h.cycles().Validate(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Reopened)

	c, err := h.database.GetCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, db.CycleClosed, c.Status)
}

func TestHedgeTriggerSignalsOncePerLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 210, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1", Profit: -60})
	h.seedCycle(t, db.Cycle{
		ID: "c1", Symbol: "EURUSD", Kind: db.KindHedge, InitialOrders: []string{"o1"},
		HedgeState: `{"levels":[{"level":1,"price":1.05,"volume":0.2}],"activation_loss":-50}`,
	})

	r := h.cycles()
	res, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.HedgeSignals)
	require.Equal(t, 1, r.Stats().HedgeCount)

	// Same loss, same level: no duplicate signal.
	res, err = r.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, res.HedgeSignals)
}

func TestStandardCycleNeverSignalsHedge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedOrder(t, db.Order{ID: "o1", Ticket: 211, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1", Profit: -500})
	h.seedCycle(t, db.Cycle{ID: "c1", Symbol: "EURUSD", InitialOrders: []string{"o1"}})

	res, err := h.cycles().Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, res.HedgeSignals)
}

func TestCloseCycleClosesPositionsAndLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.seedOrder(t, db.Order{ID: "o1", Ticket: 212, Symbol: "EURUSD", Status: db.OrderOpen, CycleID: "c1"})
	h.seedCycle(t, db.Cycle{ID: "c1", Symbol: "EURUSD", InitialOrders: []string{"o1"}})
	h.session.SetPosition(gateway.Position{Ticket: o.Ticket, Symbol: "EURUSD", Profit: 7.5})

	r := h.cycles()
	require.NoError(t, r.CloseCycle(ctx, "c1", "operator"))

	c, err := h.database.GetCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, db.CycleClosed, c.Status)
	require.True(t, c.ClosedAt.Valid)

	got, err := h.database.GetOrderByTicket(ctx, testAccount, 212)
	require.NoError(t, err)
	require.Equal(t, db.OrderClosed, got.Status)
	require.Equal(t, 7.5, got.Profit)

	// Closing again is a no-op.
	require.NoError(t, r.CloseCycle(ctx, "c1", "operator"))
	require.Equal(t, uint64(1), r.Stats().CyclesClosed)
}

func TestCreateCycleResolvesKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.cycles()
	created, err := r.CreateCycle(ctx, db.Cycle{
		Symbol:     "EURUSD",
		HedgeState: `{"levels":[{"level":1,"price":1.0,"volume":0.1}],"activation_loss":-25}`,
		Kind:       db.KindHedge,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, db.KindHedge, created.Kind)
	require.Equal(t, db.CycleActive, created.Status)

	got, err := h.database.GetCycle(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, db.KindHedge, got.Kind)
	require.Equal(t, uint64(1), r.Stats().CyclesCreated)
}

func TestCreateCycleStampsCreationTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.cycles().CreateCycle(ctx, db.Cycle{Symbol: "EURUSD"})
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	got, err := h.database.GetCycle(ctx, created.ID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), got.CreatedAt, time.Minute)
}

func TestCyclesBySymbolAndKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedCycle(t, db.Cycle{ID: "c1", Symbol: "EURUSD"})
	h.seedCycle(t, db.Cycle{ID: "c2", Symbol: "GBPUSD", Kind: db.KindHedge, HedgeState: `{"levels":[],"activation_loss":-100}`})

	r := h.cycles()
	bySymbol, err := r.CyclesBySymbol(ctx, "GBPUSD")
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	require.Equal(t, "c2", bySymbol[0].ID)

	hedges, err := r.CyclesByKind(ctx, db.KindHedge)
	require.NoError(t, err)
	require.Len(t, hedges, 1)
	require.Equal(t, "c2", hedges[0].ID)

	standards, err := r.CyclesByKind(ctx, db.KindStandard)
	require.NoError(t, err)
	require.Len(t, standards, 1)
	require.Equal(t, "c1", standards[0].ID)
}

func TestResolveCycleKindOnce(t *testing.T) {
	view, err := resolveCycle(db.Cycle{ID: "x", Kind: db.KindStandard})
	require.NoError(t, err)
	require.Equal(t, db.KindStandard, view.kind())
	require.Nil(t, view.hedge)

	view, err = resolveCycle(db.Cycle{ID: "y", Kind: db.KindHedge})
	require.NoError(t, err)
	require.Equal(t, db.KindHedge, view.kind())
	require.NotNil(t, view.hedge)

	// Hedge state with levels marks the cycle hedge regardless of the kind
	// column.
	view, err = resolveCycle(db.Cycle{ID: "z", Kind: db.KindStandard, HedgeState: `{"levels":[{"level":1}]}`})
	require.NoError(t, err)
	require.Equal(t, db.KindHedge, view.kind())

	_, err = resolveCycle(db.Cycle{ID: "bad", HedgeState: `{not json`})
	require.Error(t, err)
}
