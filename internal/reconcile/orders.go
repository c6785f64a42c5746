// Package reconcile keeps the venue's live position state and the persisted
// ledger of orders and cycles convergent: periodic dual-source polling,
// discrepancy classification, verified correction, and aggregate rollups.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recon-core/internal/events"
	"recon-core/internal/gateway"
	"recon-core/internal/persistence"
	"recon-core/pkg/db"
)

// OrderStats is the read-only statistics payload exposed to collaborators.
type OrderStats struct {
	VenueOrders int       `json:"mt5_count"`
	LedgerCount int       `json:"ledger_count"`
	Suspicious  int       `json:"suspicious_count"`
	TotalSyncs  uint64    `json:"total_syncs"`
	TotalErrors uint64    `json:"total_errors"`
	FixedOrders uint64    `json:"fixed_orders"`
	LastSync    time.Time `json:"last_sync"`
}

// OrderTickResult summarizes one order reconciliation pass.
type OrderTickResult struct {
	VenueCount    int
	LedgerCount   int
	Suspicious    int
	ProfitUpdates int
	Closed        int
	Writes        int
}

// OrderReconciler keeps the ledger's order rows convergent with the venue.
// It is the only writer of order rows; cycles and strategy collaborators
// only read them.
type OrderReconciler struct {
	database  *db.Database
	venue     *gateway.Venue
	cfg       Config
	account   string
	snapshot  *Snapshot
	recompute *RecomputeSet
	em        emitter

	mu    sync.Mutex
	stats OrderStats
}

func NewOrderReconciler(database *db.Database, venue *gateway.Venue, bus *events.Bus, writer *persistence.EventWriter, cfg Config, account, instanceID string, snapshot *Snapshot, recompute *RecomputeSet) *OrderReconciler {
	return &OrderReconciler{
		database:  database,
		venue:     venue,
		cfg:       cfg,
		account:   account,
		snapshot:  snapshot,
		recompute: recompute,
		em:        emitter{account: account, instanceID: instanceID, bus: bus, writer: writer},
	}
}

type orderClosure struct {
	order  db.Order
	update db.OrderUpdate
	cause  string
	profit float64
}

// Tick runs one reconciliation pass. Both sources are fetched before any
// classification; a failure in either aborts the pass without mutating
// state. Re-running a tick against unchanged sources produces zero writes.
func (r *OrderReconciler) Tick(ctx context.Context) (OrderTickResult, error) {
	var res OrderTickResult

	var (
		positions []gateway.Position
		ledger    []db.Order
		venueErr  error
		ledgerErr error
		wg        sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		positions, venueErr = r.fetchPositions(ctx)
	}()
	go func() {
		defer wg.Done()
		ledger, ledgerErr = r.database.ListOrdersByStatus(ctx, r.account, db.OrderOpen, db.OrderPending)
	}()
	wg.Wait()

	if venueErr != nil {
		r.recordError()
		return res, fmt.Errorf("venue snapshot: %w", venueErr)
	}
	if ledgerErr != nil {
		r.recordError()
		return res, fmt.Errorf("ledger orders: %w", ledgerErr)
	}

	byTicket := make(map[int64]gateway.Position, len(positions))
	for _, p := range positions {
		byTicket[p.Ticket] = p
	}
	res.VenueCount = len(positions)
	res.LedgerCount = len(ledger)

	var (
		updates    []db.OrderUpdate
		closures   []orderClosure
		suspicious []db.Order
	)
	now := time.Now().UTC()

	for _, o := range ledger {
		pos, open := byTicket[o.Ticket]
		if !open {
			suspicious = append(suspicious, o)
			continue
		}
		ledgerNet := o.Profit + o.Swap + o.Commission
		if math.Abs(pos.NetProfit()-ledgerNet) < r.cfg.SignificanceThreshold {
			continue // consistent; profit delta is noise
		}
		profit, swap, commission := pos.Profit, pos.Swap, pos.Commission
		updates = append(updates, db.OrderUpdate{
			ID:         o.ID,
			Profit:     &profit,
			Swap:       &swap,
			Commission: &commission,
			LastSynced: now,
		})
	}
	res.Suspicious = len(suspicious)
	res.ProfitUpdates = len(updates)

	// A ledger order is never closed purely because it was missing from one
	// snapshot: every suspicious ticket gets an authoritative re-query first.
	for _, o := range suspicious {
		verification, err := r.venue.VerifyTicket(ctx, o.Ticket)
		if err != nil {
			r.recordError()
			log.Warn().Err(err).Int64("ticket", o.Ticket).Msg("ticket verification failed; leaving order untouched")
			continue
		}
		switch verification.State {
		case gateway.TicketClosed:
			closures = append(closures, r.buildClosure(o, verification, now))
		case gateway.TicketOpen:
			// Stale snapshot; the order is fine.
		default:
			// Inconclusive. Prefer staleness over a wrong correction; the
			// next tick re-evaluates.
			log.Debug().Int64("ticket", o.Ticket).Msg("ticket state unknown; deferring")
		}
	}
	res.Closed = len(closures)

	batch := make([]db.OrderUpdate, 0, len(updates)+len(closures))
	batch = append(batch, updates...)
	for _, c := range closures {
		batch = append(batch, c.update)
	}
	res.Writes = len(batch)

	if len(batch) > 0 {
		if err := r.commitBatch(ctx, batch); err != nil {
			r.recordError()
			r.em.emit(events.KindLedgerWriteFailed, events.EventLedgerWriteFailed, "", events.SeverityCritical, map[string]any{
				"error":  err.Error(),
				"writes": len(batch),
			})
			return res, fmt.Errorf("commit order batch: %w", err)
		}
	}

	// Writes are committed; now publish the snapshot and downstream signals.
	r.snapshot.Replace(positions)
	if len(updates) > 0 && r.em.bus != nil {
		// Bus-only; routine profit drift is not worth a ledger row.
		r.em.bus.Publish(events.EventOrderProfitUpdate, map[string]any{
			"updated": len(updates),
		})
	}
	for _, c := range closures {
		r.em.emit(events.KindOrderClosedByVenue, events.EventOrderClosed, c.order.ID, events.SeverityInfo, map[string]any{
			"ticket": c.order.Ticket,
			"symbol": c.order.Symbol,
			"profit": c.profit,
			"cause":  c.cause,
		})
		if c.order.CycleID != "" {
			r.recompute.Flag(c.order.CycleID)
			r.em.emit(events.KindCycleRecompute, events.EventCycleRecompute, c.order.CycleID, events.SeverityInfo, map[string]any{
				"cycle_id": c.order.CycleID,
				"trigger":  "order_closed",
			})
		}
	}

	r.mu.Lock()
	r.stats.VenueOrders = res.VenueCount
	r.stats.LedgerCount = res.LedgerCount
	r.stats.Suspicious = res.Suspicious
	r.stats.TotalSyncs++
	r.stats.FixedOrders += uint64(len(closures))
	r.stats.LastSync = now
	r.mu.Unlock()

	return res, nil
}

func (r *OrderReconciler) buildClosure(o db.Order, v gateway.Verification, now time.Time) orderClosure {
	status := db.OrderClosed
	u := db.OrderUpdate{ID: o.ID, Status: &status, LastSynced: now}

	profit := o.Profit
	if v.HasDeal {
		// The venue's historical deal record is the final word.
		profit = v.ClosingProfit
		swap, commission := v.Swap, v.Commission
		u.Profit = &profit
		u.Swap = &swap
		u.Commission = &commission
	}

	cause := v.Reason
	if cause == "" {
		cause = "auto-closed-by-venue"
	}
	return orderClosure{order: o, update: u, cause: cause, profit: profit}
}

// commitBatch applies the tick's writes all-or-nothing, retrying once on
// transient failure. Rows that match no ledger order are logged as an
// integrity condition but do not fail the tick.
func (r *OrderReconciler) commitBatch(ctx context.Context, batch []db.OrderUpdate) error {
	err := r.database.BatchUpdateOrders(ctx, batch)
	if err == nil {
		return nil
	}
	if pf, ok := err.(*db.PartialFailure); ok {
		log.Warn().Strs("order_ids", pf.FailedIDs).Msg("batch update matched no rows for some orders")
		return nil
	}
	log.Warn().Err(err).Msg("order batch write failed; retrying once")
	err = r.database.BatchUpdateOrders(ctx, batch)
	if pf, ok := err.(*db.PartialFailure); ok {
		log.Warn().Strs("order_ids", pf.FailedIDs).Msg("batch update matched no rows for some orders")
		return nil
	}
	return err
}

// fetchPositions pulls the venue snapshot with bounded exponential backoff.
func (r *OrderReconciler) fetchPositions(ctx context.Context) ([]gateway.Position, error) {
	backoff := r.cfg.VenueRetryBackoff.Std()
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.VenueRetryAttempts; attempt++ {
		positions, err := r.venue.OpenPositions(ctx, r.account)
		if err == nil {
			return positions, nil
		}
		lastErr = err
		if attempt == r.cfg.VenueRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("after %d attempts: %w", r.cfg.VenueRetryAttempts, lastErr)
}

// CloseTicket closes a specific position at the venue on behalf of a
// strategy or operator, then mirrors the closure into the ledger.
func (r *OrderReconciler) CloseTicket(ctx context.Context, ticket int64) error {
	if err := r.venue.CloseTicket(ctx, ticket); err != nil {
		r.em.emit(events.KindOrderCloseFailed, events.EventOrderCloseFailed, fmt.Sprintf("%d", ticket), events.SeverityError, map[string]any{
			"ticket": ticket,
			"error":  err.Error(),
		})
		return fmt.Errorf("close ticket %d: %w", ticket, err)
	}

	o, err := r.database.GetOrderByTicket(ctx, r.account, ticket)
	if err == db.ErrNotFound {
		// Closed at the venue but never mirrored; nothing to update.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order for ticket %d: %w", ticket, err)
	}

	now := time.Now().UTC()
	verification, verr := r.venue.VerifyTicket(ctx, ticket)
	if verr != nil {
		verification = gateway.Verification{State: gateway.TicketClosed}
	}
	closure := r.buildClosure(*o, verification, now)

	if err := r.commitBatch(ctx, []db.OrderUpdate{closure.update}); err != nil {
		r.recordError()
		return fmt.Errorf("persist manual close for ticket %d: %w", ticket, err)
	}

	r.em.emit(events.KindOrderManuallyClosed, events.EventOrderClosed, o.ID, events.SeverityInfo, map[string]any{
		"ticket": ticket,
		"symbol": o.Symbol,
		"profit": closure.profit,
		"cause":  "manually-closed",
	})
	if o.CycleID != "" {
		r.recompute.Flag(o.CycleID)
	}

	r.mu.Lock()
	r.stats.FixedOrders++
	r.mu.Unlock()
	return nil
}

// OrdersBySymbol returns the venue-side open positions for one symbol from
// the latest snapshot. An empty symbol returns every open position.
func (r *OrderReconciler) OrdersBySymbol(symbol string) []gateway.Position {
	return r.snapshot.BySymbol(symbol)
}

// OrdersByCycle returns the ledger orders referencing one cycle.
func (r *OrderReconciler) OrdersByCycle(ctx context.Context, cycleID string) ([]db.Order, error) {
	return r.database.ListOrdersByCycle(ctx, cycleID)
}

// Stats returns a snapshot of the reconciler's counters.
func (r *OrderReconciler) Stats() OrderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *OrderReconciler) recordError() {
	r.mu.Lock()
	r.stats.TotalErrors++
	r.mu.Unlock()
}
