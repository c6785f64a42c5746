// Package db implements the ledger store: orders, cycles and the
// append-only reconciliation event log over SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAccountRequired = errors.New("account is required")
	ErrNotFound        = errors.New("record not found")
)

const orderColumns = `id, account, ticket, symbol, side, volume, open_price,
	profit, swap, commission, status, cycle_id, role, hedge_level,
	last_synced, created_at, updated_at`

const cycleColumns = `id, account, symbol, kind, status,
	initial_orders, hedge_orders, recovery_orders, pending_orders, threshold_orders, closed_orders,
	total_profit, total_volume, hedge_state, created_at, updated_at, closed_at`

// ListOrdersByStatus returns all orders for the account whose status is in
// statuses, ordered by ticket for deterministic iteration.
func (d *Database) ListOrdersByStatus(ctx context.Context, account string, statuses ...string) ([]Order, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	if len(statuses) == 0 {
		return nil, errors.New("at least one status is required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	args = append(args, account)
	for _, s := range statuses {
		args = append(args, s)
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE account = ? AND status IN (`+placeholders+`)
		ORDER BY ticket
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrderByTicket returns the order holding the venue ticket, or ErrNotFound.
func (d *Database) GetOrderByTicket(ctx context.Context, account string, ticket int64) (*Order, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE account = ? AND ticket = ?
	`, account, ticket)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by ticket: %w", err)
	}
	return &o, nil
}

// ListOrdersByCycle returns every order referencing the cycle id.
func (d *Database) ListOrdersByCycle(ctx context.Context, cycleID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE cycle_id = ?
		ORDER BY ticket
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query orders by cycle: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrdersByIDs returns the orders whose ids are in ids; missing ids are
// simply absent from the result.
func (d *Database) ListOrdersByIDs(ctx context.Context, ids []string) ([]Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders by ids: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderUpdate is one row of a batched order write. Nil pointers leave the
// corresponding column untouched.
type OrderUpdate struct {
	ID         string
	Status     *string
	Profit     *float64
	Swap       *float64
	Commission *float64
	LastSynced time.Time
}

// PartialFailure reports the ids that could not be applied in a batch.
type PartialFailure struct {
	FailedIDs []string
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("batch update: %d orders failed", len(e.FailedIDs))
}

// BatchUpdateOrders applies all updates in a single transaction. A SQL error
// on any row rolls the whole batch back (no partial commits); updates that
// match no row are reported via PartialFailure but do not abort the rest.
func (d *Database) BatchUpdateOrders(ctx context.Context, updates []OrderUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch update: %w", err)
	}

	var failed []string
	for _, u := range updates {
		sets := []string{"updated_at = CURRENT_TIMESTAMP"}
		args := []any{}
		if u.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, *u.Status)
		}
		if u.Profit != nil {
			sets = append(sets, "profit = ?")
			args = append(args, *u.Profit)
		}
		if u.Swap != nil {
			sets = append(sets, "swap = ?")
			args = append(args, *u.Swap)
		}
		if u.Commission != nil {
			sets = append(sets, "commission = ?")
			args = append(args, *u.Commission)
		}
		if !u.LastSynced.IsZero() {
			sets = append(sets, "last_synced = ?")
			args = append(args, u.LastSynced)
		}
		args = append(args, u.ID)

		res, err := tx.ExecContext(ctx, `UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("batch update order %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			failed = append(failed, u.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch update: %w", err)
	}
	if len(failed) > 0 {
		return &PartialFailure{FailedIDs: failed}
	}
	return nil
}

// ListCyclesByStatus returns all cycles for the account in the given status.
func (d *Database) ListCyclesByStatus(ctx context.Context, account, status string) ([]Cycle, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles WHERE account = ? AND status = ?
		ORDER BY created_at
	`, account, status)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// ListCyclesBySymbol returns all of the account's cycles trading one
// symbol, regardless of status.
func (d *Database) ListCyclesBySymbol(ctx context.Context, account, symbol string) ([]Cycle, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles WHERE account = ? AND symbol = ?
		ORDER BY created_at
	`, account, symbol)
	if err != nil {
		return nil, fmt.Errorf("query cycles by symbol: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// GetCycle returns one cycle by id, or ErrNotFound.
func (d *Database) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles WHERE id = ?
	`, id)

	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cycle: %w", err)
	}
	return &c, nil
}

// ListRecentlyClosedCycles returns cycles closed at or after since. Cycles
// closed before the window are immutable from the engine's perspective and
// never revisited.
func (d *Database) ListRecentlyClosedCycles(ctx context.Context, account string, since time.Time) ([]Cycle, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		WHERE account = ? AND status = ? AND closed_at IS NOT NULL AND closed_at >= ?
		ORDER BY closed_at DESC
	`, account, CycleClosed, since)
	if err != nil {
		return nil, fmt.Errorf("query recently closed cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// ListEvents returns the most recent events for the account, newest first.
func (d *Database) ListEvents(ctx context.Context, account string, limit int) ([]Event, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account, kind, entity_id, severity, payload, instance_id, created_at
		FROM events
		WHERE account = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var evs []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Account, &e.Kind, &e.EntityID, &e.Severity, &e.Payload, &e.InstanceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evs = append(evs, e)
	}
	return evs, rows.Err()
}
