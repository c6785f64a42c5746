package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return database
}

func seedOrder(t *testing.T, d *Database, o Order) Order {
	t.Helper()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if err := d.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder(%s): %v", o.ID, err)
	}
	return o
}

func TestOrderQueries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	seedOrder(t, database, Order{ID: "o1", Account: "acct", Ticket: 1001, Symbol: "EURUSD", Side: "BUY", Volume: 0.1, Profit: 5.5, Status: OrderOpen})
	seedOrder(t, database, Order{ID: "o2", Account: "acct", Ticket: 1002, Symbol: "EURUSD", Side: "SELL", Volume: 0.2, Status: OrderPending})
	seedOrder(t, database, Order{ID: "o3", Account: "acct", Ticket: 1003, Symbol: "XAUUSD", Side: "BUY", Volume: 0.3, Status: OrderClosed})

	t.Run("list by status", func(t *testing.T) {
		open, err := database.ListOrdersByStatus(ctx, "acct", OrderOpen, OrderPending)
		if err != nil {
			t.Fatalf("ListOrdersByStatus: %v", err)
		}
		if len(open) != 2 {
			t.Fatalf("expected 2 live orders, got %d", len(open))
		}
	})

	t.Run("account required", func(t *testing.T) {
		if _, err := database.ListOrdersByStatus(ctx, "", OrderOpen); !errors.Is(err, ErrAccountRequired) {
			t.Fatalf("expected ErrAccountRequired, got %v", err)
		}
	})

	t.Run("get by ticket", func(t *testing.T) {
		o, err := database.GetOrderByTicket(ctx, "acct", 1001)
		if err != nil {
			t.Fatalf("GetOrderByTicket: %v", err)
		}
		if o.ID != "o1" || o.Profit != 5.5 {
			t.Fatalf("unexpected order: %+v", o)
		}
		if _, err := database.GetOrderByTicket(ctx, "acct", 9999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list by ids", func(t *testing.T) {
		orders, err := database.ListOrdersByIDs(ctx, []string{"o1", "o3", "missing"})
		if err != nil {
			t.Fatalf("ListOrdersByIDs: %v", err)
		}
		if len(orders) != 2 {
			t.Fatalf("expected 2 orders, got %d", len(orders))
		}
	})
}

func TestBatchUpdateOrders(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	seedOrder(t, database, Order{ID: "o1", Account: "acct", Ticket: 1, Symbol: "EURUSD", Status: OrderOpen})
	seedOrder(t, database, Order{ID: "o2", Account: "acct", Ticket: 2, Symbol: "EURUSD", Status: OrderOpen})

	closed := OrderClosed
	profit := 12.5
	err := database.BatchUpdateOrders(ctx, []OrderUpdate{
		{ID: "o1", Status: &closed, Profit: &profit, LastSynced: time.Now().UTC()},
		{ID: "o2", Profit: &profit},
	})
	if err != nil {
		t.Fatalf("BatchUpdateOrders: %v", err)
	}

	o1, err := database.GetOrderByTicket(ctx, "acct", 1)
	if err != nil {
		t.Fatalf("GetOrderByTicket: %v", err)
	}
	if o1.Status != OrderClosed || o1.Profit != 12.5 {
		t.Fatalf("updates not applied: %+v", o1)
	}
	if !o1.LastSynced.Valid {
		t.Fatal("last_synced not set")
	}

	t.Run("unknown id reported but rest committed", func(t *testing.T) {
		p := 1.0
		err := database.BatchUpdateOrders(ctx, []OrderUpdate{
			{ID: "o2", Profit: &p},
			{ID: "ghost", Profit: &p},
		})
		var partial *PartialFailure
		if !errors.As(err, &partial) {
			t.Fatalf("expected PartialFailure, got %v", err)
		}
		if len(partial.FailedIDs) != 1 || partial.FailedIDs[0] != "ghost" {
			t.Fatalf("unexpected failed ids: %v", partial.FailedIDs)
		}

		o2, err := database.GetOrderByTicket(ctx, "acct", 2)
		if err != nil {
			t.Fatalf("GetOrderByTicket: %v", err)
		}
		if o2.Profit != 1.0 {
			t.Fatalf("valid row of partial batch not committed: %+v", o2)
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		if err := database.BatchUpdateOrders(ctx, nil); err != nil {
			t.Fatalf("empty batch: %v", err)
		}
	})
}

func TestCycleQueries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := Cycle{
		ID:            "c1",
		Account:       "acct",
		Symbol:        "EURUSD",
		Kind:          KindStandard,
		Status:        CycleActive,
		InitialOrders: []string{"o1"},
		ClosedOrders:  []string{"o9"},
		TotalProfit:   3.25,
		TotalVolume:   0.1,
		CreatedAt:     now,
	}
	if err := database.UpsertCycle(ctx, c); err != nil {
		t.Fatalf("UpsertCycle: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		got, err := database.GetCycle(ctx, "c1")
		if err != nil {
			t.Fatalf("GetCycle: %v", err)
		}
		if got.Kind != KindStandard || got.TotalProfit != 3.25 {
			t.Fatalf("unexpected cycle: %+v", got)
		}
		if len(got.InitialOrders) != 1 || got.InitialOrders[0] != "o1" {
			t.Fatalf("initial orders lost: %v", got.InitialOrders)
		}
		if len(got.ClosedOrders) != 1 {
			t.Fatalf("closed orders lost: %v", got.ClosedOrders)
		}
	})

	t.Run("upsert replaces mutable fields", func(t *testing.T) {
		c.TotalProfit = -7.5
		c.HedgeOrders = []string{"o2"}
		if err := database.UpsertCycle(ctx, c); err != nil {
			t.Fatalf("UpsertCycle update: %v", err)
		}
		got, err := database.GetCycle(ctx, "c1")
		if err != nil {
			t.Fatalf("GetCycle: %v", err)
		}
		if got.TotalProfit != -7.5 || len(got.HedgeOrders) != 1 {
			t.Fatalf("update not applied: %+v", got)
		}
	})

	t.Run("recently closed window", func(t *testing.T) {
		closedRecent := Cycle{
			ID: "c2", Account: "acct", Symbol: "EURUSD", Kind: KindStandard,
			Status: CycleClosed, CreatedAt: now,
			ClosedAt: sql.NullTime{Time: now.Add(-time.Hour), Valid: true},
		}
		closedOld := Cycle{
			ID: "c3", Account: "acct", Symbol: "EURUSD", Kind: KindStandard,
			Status: CycleClosed, CreatedAt: now,
			ClosedAt: sql.NullTime{Time: now.Add(-48 * time.Hour), Valid: true},
		}
		if err := database.UpsertCycle(ctx, closedRecent); err != nil {
			t.Fatalf("UpsertCycle: %v", err)
		}
		if err := database.UpsertCycle(ctx, closedOld); err != nil {
			t.Fatalf("UpsertCycle: %v", err)
		}

		cycles, err := database.ListRecentlyClosedCycles(ctx, "acct", now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("ListRecentlyClosedCycles: %v", err)
		}
		if len(cycles) != 1 || cycles[0].ID != "c2" {
			t.Fatalf("expected only c2 in the window, got %+v", cycles)
		}
	})

	t.Run("list by symbol", func(t *testing.T) {
		other := Cycle{
			ID: "c4", Account: "acct", Symbol: "GBPUSD", Kind: KindHedge,
			Status: CycleActive, CreatedAt: now,
		}
		if err := database.UpsertCycle(ctx, other); err != nil {
			t.Fatalf("UpsertCycle: %v", err)
		}

		cycles, err := database.ListCyclesBySymbol(ctx, "acct", "GBPUSD")
		if err != nil {
			t.Fatalf("ListCyclesBySymbol: %v", err)
		}
		if len(cycles) != 1 || cycles[0].ID != "c4" {
			t.Fatalf("expected only c4 for GBPUSD, got %+v", cycles)
		}
		if _, err := database.ListCyclesBySymbol(ctx, "", "GBPUSD"); !errors.Is(err, ErrAccountRequired) {
			t.Fatalf("expected ErrAccountRequired, got %v", err)
		}
	})

	t.Run("zero created_at defaults to now", func(t *testing.T) {
		bare := Cycle{ID: "c5", Account: "acct", Symbol: "XAUUSD", Kind: KindStandard, Status: CycleActive}
		if err := database.UpsertCycle(ctx, bare); err != nil {
			t.Fatalf("UpsertCycle: %v", err)
		}
		got, err := database.GetCycle(ctx, "c5")
		if err != nil {
			t.Fatalf("GetCycle: %v", err)
		}
		if got.CreatedAt.IsZero() || got.CreatedAt.Year() < 2000 {
			t.Fatalf("created_at not defaulted: %v", got.CreatedAt)
		}
	})

	t.Run("all order ids deduplicates", func(t *testing.T) {
		cy := Cycle{InitialOrders: []string{"a", "b"}, HedgeOrders: []string{"b"}, ClosedOrders: []string{"c"}}
		if got := cy.AllOrderIDs(true); len(got) != 3 {
			t.Fatalf("expected 3 unique ids, got %v", got)
		}
		if got := cy.AllOrderIDs(false); len(got) != 2 {
			t.Fatalf("expected 2 live ids, got %v", got)
		}
	})
}

func TestEventLog(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	for i, kind := range []string{"ORDER_CLOSED_BY_VENUE", "CYCLE_REOPENED"} {
		err := database.AppendEvent(ctx, Event{
			ID:        string(rune('a' + i)),
			Account:   "acct",
			Kind:      kind,
			EntityID:  "e1",
			Severity:  "INFO",
			Payload:   "{}",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	evs, err := database.ListEvents(ctx, "acct", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
}
