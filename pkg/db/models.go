package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Order statuses mirrored between the venue and the ledger.
const (
	OrderOpen    = "OPEN"
	OrderPending = "PENDING"
	OrderClosed  = "CLOSED"
)

// Cycle statuses and kinds.
const (
	CycleActive = "ACTIVE"
	CycleClosed = "CLOSED"

	KindStandard = "STANDARD"
	KindHedge    = "HEDGE"
)

// Order roles inside a cycle.
const (
	RoleInitial   = "initial"
	RoleHedge     = "hedge"
	RoleRecovery  = "recovery"
	RolePending   = "pending"
	RoleThreshold = "threshold"
)

// Order is one venue-side trade record mirrored in the ledger.
// The ticket is venue-assigned, immutable and unique.
type Order struct {
	ID         string
	Account    string
	Ticket     int64
	Symbol     string
	Side       string
	Volume     float64
	OpenPrice  float64
	Profit     float64
	Swap       float64
	Commission float64
	Status     string
	CycleID    string
	Role       string
	HedgeLevel int
	LastSynced sql.NullTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Cycle groups one or more orders into a strategy execution unit.
// Order references are partitioned by role and stored as JSON id lists.
type Cycle struct {
	ID              string
	Account         string
	Symbol          string
	Kind            string
	Status          string
	InitialOrders   []string
	HedgeOrders     []string
	RecoveryOrders  []string
	PendingOrders   []string
	ThresholdOrders []string
	ClosedOrders    []string
	TotalProfit     float64
	TotalVolume     float64
	HedgeState      string // JSON blob; empty for standard cycles
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClosedAt        sql.NullTime
}

// AllOrderIDs returns the union of every role-partitioned reference list.
func (c *Cycle) AllOrderIDs(includeClosed bool) []string {
	lists := [][]string{c.InitialOrders, c.HedgeOrders, c.RecoveryOrders, c.PendingOrders, c.ThresholdOrders}
	if includeClosed {
		lists = append(lists, c.ClosedOrders)
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Event is one append-only reconciliation event row.
type Event struct {
	ID         string
	Account    string
	Kind       string
	EntityID   string
	Severity   string
	Payload    string
	InstanceID string
	CreatedAt  time.Time
}

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, account, ticket, symbol, side, volume, open_price,
			profit, swap, commission, status, cycle_id, role, hedge_level,
			last_synced, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		o.ID, o.Account, o.Ticket, o.Symbol, o.Side, o.Volume, o.OpenPrice,
		o.Profit, o.Swap, o.Commission, o.Status, o.CycleID, o.Role, o.HedgeLevel,
		o.LastSynced, NullableTime(o.CreatedAt),
	)
	return err
}

// UpsertCycle stores a cycle, replacing all mutable fields on conflict.
func (d *Database) UpsertCycle(ctx context.Context, c Cycle) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO cycles (
			id, account, symbol, kind, status,
			initial_orders, hedge_orders, recovery_orders, pending_orders, threshold_orders, closed_orders,
			total_profit, total_volume, hedge_state, created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			kind = excluded.kind,
			status = excluded.status,
			initial_orders = excluded.initial_orders,
			hedge_orders = excluded.hedge_orders,
			recovery_orders = excluded.recovery_orders,
			pending_orders = excluded.pending_orders,
			threshold_orders = excluded.threshold_orders,
			closed_orders = excluded.closed_orders,
			total_profit = excluded.total_profit,
			total_volume = excluded.total_volume,
			hedge_state = excluded.hedge_state,
			updated_at = CURRENT_TIMESTAMP,
			closed_at = excluded.closed_at
	`,
		c.ID, c.Account, c.Symbol, c.Kind, c.Status,
		encodeIDs(c.InitialOrders), encodeIDs(c.HedgeOrders), encodeIDs(c.RecoveryOrders),
		encodeIDs(c.PendingOrders), encodeIDs(c.ThresholdOrders), encodeIDs(c.ClosedOrders),
		c.TotalProfit, c.TotalVolume, c.HedgeState, NullableTime(c.CreatedAt), c.ClosedAt,
	)
	return err
}

// AppendEvent writes one event row. The log is append-only; nothing in the
// engine ever mutates or deletes a written event.
func (d *Database) AppendEvent(ctx context.Context, e Event) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO events (id, account, kind, entity_id, severity, payload, instance_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.Account, e.Kind, e.EntityID, e.Severity, e.Payload, e.InstanceID, NullableTime(e.CreatedAt))
	return err
}

// NullableTime maps the zero time to SQL NULL so that
// COALESCE(?, CURRENT_TIMESTAMP) defaults actually fire. A raw zero
// time.Time binds as the year-0001 timestamp, not as NULL.
func NullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeIDs(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Account, &o.Ticket, &o.Symbol, &o.Side, &o.Volume, &o.OpenPrice,
		&o.Profit, &o.Swap, &o.Commission, &o.Status, &o.CycleID, &o.Role, &o.HedgeLevel,
		&o.LastSynced, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

func scanCycle(row interface{ Scan(...any) error }) (Cycle, error) {
	var (
		c                                                        Cycle
		initial, hedge, recovery, pending, threshold, closedList string
	)
	err := row.Scan(
		&c.ID, &c.Account, &c.Symbol, &c.Kind, &c.Status,
		&initial, &hedge, &recovery, &pending, &threshold, &closedList,
		&c.TotalProfit, &c.TotalVolume, &c.HedgeState, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt,
	)
	if err != nil {
		return c, err
	}
	c.InitialOrders = decodeIDs(initial)
	c.HedgeOrders = decodeIDs(hedge)
	c.RecoveryOrders = decodeIDs(recovery)
	c.PendingOrders = decodeIDs(pending)
	c.ThresholdOrders = decodeIDs(threshold)
	c.ClosedOrders = decodeIDs(closedList)
	return c, nil
}
