package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"recon-core/internal/events"
	"recon-core/internal/gateway"
	"recon-core/internal/persistence"
	"recon-core/pkg/db"
)

// CycleStats is the read-only statistics payload for cycle reconciliation.
type CycleStats struct {
	ActiveCount    int       `json:"active_count"`
	StandardCount  int       `json:"standard_count"`
	HedgeCount     int       `json:"hedge_count"`
	StandardProfit float64   `json:"standard_profit"`
	HedgeProfit    float64   `json:"hedge_profit"`
	TotalProfit    float64   `json:"total_profit"`
	CyclesCreated  uint64    `json:"cycles_created"`
	CyclesClosed   uint64    `json:"cycles_closed"`
	FixedCycles    uint64    `json:"fixed_cycles"`
	TotalSyncs     uint64    `json:"total_syncs"`
	TotalErrors    uint64    `json:"total_errors"`
	LastSync       time.Time `json:"last_sync"`
}

// CycleTickResult summarizes one aggregate recomputation pass.
type CycleTickResult struct {
	Active       int
	Recomputed   int
	HedgeSignals int
	Errors       int
}

// ValidationResult summarizes one integrity/reopen pass.
type ValidationResult struct {
	Checked     int
	DroppedRefs int
	Adopted     int
	Reopened    int
	Errors      int
}

// CycleReconciler keeps cycle aggregates convergent with the order rows
// they reference, repairs referential drift, and reopens cycles that were
// closed while the venue still holds their positions. It is the only writer
// of cycle rows.
type CycleReconciler struct {
	database  *db.Database
	venue     *gateway.Venue
	cfg       Config
	account   string
	snapshot  *Snapshot
	recompute *RecomputeSet
	em        emitter

	mu       sync.Mutex
	stats    CycleStats
	signaled map[string]int // cycle id -> highest hedge level already signaled
}

func NewCycleReconciler(database *db.Database, venue *gateway.Venue, bus *events.Bus, writer *persistence.EventWriter, cfg Config, account, instanceID string, snapshot *Snapshot, recompute *RecomputeSet) *CycleReconciler {
	return &CycleReconciler{
		database:  database,
		venue:     venue,
		cfg:       cfg,
		account:   account,
		snapshot:  snapshot,
		recompute: recompute,
		em:        emitter{account: account, instanceID: instanceID, bus: bus, writer: writer},
		signaled:  make(map[string]int),
	}
}

// Tick recomputes aggregates for every active cycle plus any cycle flagged
// by the order reconciler since the last pass. A failure in one cycle is
// isolated; the remaining cycles still reconcile.
func (r *CycleReconciler) Tick(ctx context.Context) (CycleTickResult, error) {
	var res CycleTickResult

	active, err := r.database.ListCyclesByStatus(ctx, r.account, db.CycleActive)
	if err != nil {
		r.recordError()
		return res, fmt.Errorf("list active cycles: %w", err)
	}

	rows := active
	seen := make(map[string]struct{}, len(active))
	for _, c := range active {
		seen[c.ID] = struct{}{}
	}
	// Flagged cycles that already left the active set (closed between the
	// flag and this tick) still get their final aggregates settled.
	for _, id := range r.recompute.Drain() {
		if _, ok := seen[id]; ok {
			continue
		}
		c, err := r.database.GetCycle(ctx, id)
		if err == db.ErrNotFound {
			continue
		}
		if err != nil {
			r.recordError()
			res.Errors++
			log.Warn().Err(err).Str("cycle_id", id).Msg("flagged cycle load failed")
			continue
		}
		rows = append(rows, *c)
	}

	var (
		byKindCount  = map[string]int{}
		byKindProfit = map[string]float64{}
	)
	for _, row := range rows {
		view, err := resolveCycle(row)
		if err != nil {
			r.recordError()
			res.Errors++
			log.Warn().Err(err).Str("cycle_id", row.ID).Msg("cycle skipped this tick")
			continue
		}

		profit, wrote, err := r.syncCycle(ctx, view)
		if err != nil {
			r.recordError()
			res.Errors++
			log.Warn().Err(err).Str("cycle_id", row.ID).Msg("cycle sync failed")
			continue
		}
		if wrote {
			res.Recomputed++
		}
		if row.Status == db.CycleActive {
			byKindCount[view.kind()]++
			byKindProfit[view.kind()] += profit
		}
		if view.hedge != nil && r.checkHedgeTrigger(view, profit) {
			res.HedgeSignals++
		}
	}
	res.Active = len(active)

	r.mu.Lock()
	r.stats.ActiveCount = len(active)
	r.stats.StandardCount = byKindCount[db.KindStandard]
	r.stats.HedgeCount = byKindCount[db.KindHedge]
	r.stats.StandardProfit = byKindProfit[db.KindStandard]
	r.stats.HedgeProfit = byKindProfit[db.KindHedge]
	r.stats.TotalProfit = byKindProfit[db.KindStandard] + byKindProfit[db.KindHedge]
	r.stats.TotalSyncs++
	r.stats.LastSync = time.Now().UTC()
	r.mu.Unlock()

	return res, nil
}

// syncCycle recomputes one cycle's profit and volume from the orders it
// references and persists the result only when it moved beyond the
// significance threshold. Returns the recomputed profit.
func (r *CycleReconciler) syncCycle(ctx context.Context, view *cycleView) (float64, bool, error) {
	orders, err := r.database.ListOrdersByCycle(ctx, view.row.ID)
	if err != nil {
		return 0, false, fmt.Errorf("load cycle orders: %w", err)
	}

	var profit, volume float64
	for _, o := range orders {
		// Closed orders contribute their settled result; open orders their
		// live mark from the last order sync.
		profit += o.Profit + o.Swap + o.Commission
		if o.Status != db.OrderClosed {
			volume += o.Volume
		}
	}

	profitMoved := math.Abs(profit-view.row.TotalProfit) >= r.cfg.SignificanceThreshold
	volumeMoved := math.Abs(volume-view.row.TotalVolume) >= 1e-9
	if !profitMoved && !volumeMoved {
		return profit, false, nil
	}

	row := view.row
	row.TotalProfit = profit
	row.TotalVolume = volume
	if err := r.database.UpsertCycle(ctx, row); err != nil {
		return profit, false, fmt.Errorf("persist cycle aggregates: %w", err)
	}
	view.row = row

	r.em.emit(events.KindCycleRecompute, events.EventCycleUpdated, row.ID, events.SeverityInfo, map[string]any{
		"cycle_id":     row.ID,
		"kind":         view.kind(),
		"total_profit": profit,
		"total_volume": volume,
		"orders":       len(orders),
	})
	return profit, true, nil
}

// checkHedgeTrigger signals when a hedge cycle's loss has crossed the next
// unactivated level's activation threshold. The engine only ever emits the
// signal; placing the hedge order is the strategy layer's decision.
func (r *CycleReconciler) checkHedgeTrigger(view *cycleView, profit float64) bool {
	hs := view.hedge
	if hs.ActivationLoss >= 0 || profit > hs.ActivationLoss {
		return false
	}
	next, ok := view.nextHedgeLevel()
	if !ok {
		return false
	}

	r.mu.Lock()
	already := r.signaled[view.row.ID] >= next.Level
	if !already {
		r.signaled[view.row.ID] = next.Level
	}
	r.mu.Unlock()
	if already {
		return false
	}

	r.em.emit(events.KindHedgeLevelTrigger, events.EventHedgeLevelTrigger, view.row.ID, events.SeverityWarning, map[string]any{
		"cycle_id":        view.row.ID,
		"symbol":          view.row.Symbol,
		"level":           next.Level,
		"level_price":     next.Price,
		"level_volume":    next.Volume,
		"current_profit":  profit,
		"activation_loss": hs.ActivationLoss,
	})
	return true
}

// Validate runs the slow integrity pass: referential repair on active
// cycles, then reopen of recently closed cycles whose positions are still
// live at the venue.
func (r *CycleReconciler) Validate(ctx context.Context) (ValidationResult, error) {
	var res ValidationResult

	active, err := r.database.ListCyclesByStatus(ctx, r.account, db.CycleActive)
	if err != nil {
		r.recordError()
		return res, fmt.Errorf("list active cycles: %w", err)
	}

	repaired := 0
	for _, row := range active {
		dropped, adopted, err := r.repairCycle(ctx, row)
		if err != nil {
			r.recordError()
			res.Errors++
			log.Warn().Err(err).Str("cycle_id", row.ID).Msg("cycle integrity repair failed")
			continue
		}
		res.Checked++
		res.DroppedRefs += dropped
		res.Adopted += adopted
		if dropped > 0 || adopted > 0 {
			repaired++
		}
	}

	reopened, errs := r.reopenPass(ctx)
	res.Reopened = reopened
	res.Errors += errs

	r.mu.Lock()
	r.stats.FixedCycles += uint64(repaired + res.Reopened)
	r.mu.Unlock()

	return res, nil
}

// repairCycle drops references to orders that no longer exist and adopts
// orders that claim the cycle but appear in none of its role lists. The
// adopted role is inferred from the order's own attributes.
func (r *CycleReconciler) repairCycle(ctx context.Context, row db.Cycle) (dropped, adopted int, err error) {
	orders, err := r.database.ListOrdersByCycle(ctx, row.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("load cycle orders: %w", err)
	}
	existing := make(map[string]db.Order, len(orders))
	for _, o := range orders {
		existing[o.ID] = o
	}

	referenced := make(map[string]struct{})
	dangling := make(map[string]struct{})
	for _, id := range row.AllOrderIDs(true) {
		referenced[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			dangling[id] = struct{}{}
		}
	}

	var orphans []db.Order
	for _, o := range orders {
		if _, ok := referenced[o.ID]; !ok {
			orphans = append(orphans, o)
		}
	}

	if len(dangling) == 0 && len(orphans) == 0 {
		return 0, 0, nil
	}

	dropped = dropOrderRefs(&row, dangling)
	for _, o := range orphans {
		appendRole(&row, roleFor(o), o.ID)
	}
	adopted = len(orphans)

	if err := r.database.UpsertCycle(ctx, row); err != nil {
		return 0, 0, fmt.Errorf("persist repaired cycle: %w", err)
	}
	r.recompute.Flag(row.ID)

	r.em.emit(events.KindIntegrityWarning, events.EventIntegrityWarning, row.ID, events.SeverityWarning, map[string]any{
		"cycle_id":     row.ID,
		"dropped_refs": dropped,
		"adopted":      adopted,
	})
	log.Warn().Str("cycle_id", row.ID).Int("dropped_refs", dropped).Int("adopted", adopted).
		Msg("cycle references repaired")
	return dropped, adopted, nil
}

// reopenPass re-checks cycles closed within the repair window. A closed
// cycle whose referenced position is verifiably still open at the venue was
// closed incorrectly and goes back to active.
func (r *CycleReconciler) reopenPass(ctx context.Context) (reopened, errs int) {
	since := time.Now().UTC().Add(-r.cfg.RepairWindow.Std())
	closed, err := r.database.ListRecentlyClosedCycles(ctx, r.account, since)
	if err != nil {
		r.recordError()
		log.Warn().Err(err).Msg("recently closed cycle scan failed")
		return 0, 1
	}

	for _, row := range closed {
		stillOpen, ticket, err := r.findLivePosition(ctx, row)
		if err != nil {
			r.recordError()
			errs++
			log.Warn().Err(err).Str("cycle_id", row.ID).Msg("reopen verification failed")
			continue
		}
		if !stillOpen {
			continue
		}

		row.Status = db.CycleActive
		row.ClosedAt = sql.NullTime{}
		if err := r.database.UpsertCycle(ctx, row); err != nil {
			r.recordError()
			errs++
			log.Warn().Err(err).Str("cycle_id", row.ID).Msg("cycle reopen write failed")
			continue
		}
		reopened++
		r.recompute.Flag(row.ID)

		r.em.emit(events.KindCycleReopened, events.EventCycleReopened, row.ID, events.SeverityWarning, map[string]any{
			"cycle_id": row.ID,
			"symbol":   row.Symbol,
			"ticket":   ticket,
		})
		log.Warn().Str("cycle_id", row.ID).Int64("ticket", ticket).
			Msg("closed cycle still holds a live position; reopened")
	}
	return reopened, errs
}

// findLivePosition reports whether any order the cycle references is still
// open at the venue. The snapshot answers cheaply; anything absent from it
// is confirmed with an authoritative per-ticket query before concluding.
func (r *CycleReconciler) findLivePosition(ctx context.Context, row db.Cycle) (bool, int64, error) {
	orders, err := r.database.ListOrdersByIDs(ctx, row.AllOrderIDs(true))
	if err != nil {
		return false, 0, fmt.Errorf("load referenced orders: %w", err)
	}
	for _, o := range orders {
		if _, open := r.snapshot.Get(o.Ticket); open {
			return true, o.Ticket, nil
		}
		v, err := r.venue.VerifyTicket(ctx, o.Ticket)
		if err != nil {
			return false, 0, fmt.Errorf("verify ticket %d: %w", o.Ticket, err)
		}
		if v.State == gateway.TicketOpen {
			return true, o.Ticket, nil
		}
	}
	return false, 0, nil
}

// CreateCycle registers a new cycle on behalf of a strategy component.
func (r *CycleReconciler) CreateCycle(ctx context.Context, c db.Cycle) (*db.Cycle, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Account == "" {
		c.Account = r.account
	}
	if c.Status == "" {
		c.Status = db.CycleActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	view, err := resolveCycle(c)
	if err != nil {
		return nil, err
	}
	c.Kind = view.kind()

	if err := r.database.UpsertCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}

	r.mu.Lock()
	r.stats.CyclesCreated++
	r.mu.Unlock()

	r.em.emit(events.KindCycleRecompute, events.EventCycleUpdated, c.ID, events.SeverityInfo, map[string]any{
		"cycle_id": c.ID,
		"kind":     c.Kind,
		"created":  true,
	})
	return &c, nil
}

// CloseCycle closes every live position the cycle holds at the venue, then
// marks the cycle closed. A venue failure aborts before the ledger is
// touched so a retried close sees consistent state.
func (r *CycleReconciler) CloseCycle(ctx context.Context, cycleID, closedBy string) error {
	row, err := r.database.GetCycle(ctx, cycleID)
	if err != nil {
		return fmt.Errorf("load cycle %s: %w", cycleID, err)
	}
	if row.Status == db.CycleClosed {
		return nil
	}

	orders, err := r.database.ListOrdersByCycle(ctx, cycleID)
	if err != nil {
		return fmt.Errorf("load cycle orders: %w", err)
	}

	status := db.OrderClosed
	now := time.Now().UTC()
	var updates []db.OrderUpdate
	for _, o := range orders {
		if o.Status == db.OrderClosed {
			continue
		}
		if err := r.venue.CloseTicket(ctx, o.Ticket); err != nil {
			r.recordError()
			return fmt.Errorf("close ticket %d: %w", o.Ticket, err)
		}
		u := db.OrderUpdate{ID: o.ID, Status: &status, LastSynced: now}
		if v, verr := r.venue.VerifyTicket(ctx, o.Ticket); verr == nil && v.HasDeal {
			profit, swap, commission := v.ClosingProfit, v.Swap, v.Commission
			u.Profit = &profit
			u.Swap = &swap
			u.Commission = &commission
		}
		updates = append(updates, u)
	}

	if len(updates) > 0 {
		if err := r.database.BatchUpdateOrders(ctx, updates); err != nil {
			if _, partial := err.(*db.PartialFailure); !partial {
				r.recordError()
				return fmt.Errorf("persist cycle closures: %w", err)
			}
		}
	}

	row.Status = db.CycleClosed
	row.ClosedAt = sql.NullTime{Time: now, Valid: true}
	if err := r.database.UpsertCycle(ctx, *row); err != nil {
		r.recordError()
		return fmt.Errorf("persist closed cycle: %w", err)
	}
	r.recompute.Flag(row.ID)

	r.mu.Lock()
	r.stats.CyclesClosed++
	delete(r.signaled, row.ID)
	r.mu.Unlock()

	r.em.emit(events.KindCycleClosed, events.EventCycleClosed, row.ID, events.SeverityInfo, map[string]any{
		"cycle_id":  row.ID,
		"symbol":    row.Symbol,
		"closed_by": closedBy,
		"orders":    len(updates),
	})
	return nil
}

// CloseAll closes every active cycle. Failures are collected, not fatal;
// each cycle gets its chance to close.
func (r *CycleReconciler) CloseAll(ctx context.Context, closedBy string) (int, error) {
	active, err := r.database.ListCyclesByStatus(ctx, r.account, db.CycleActive)
	if err != nil {
		return 0, fmt.Errorf("list active cycles: %w", err)
	}

	closed := 0
	var firstErr error
	for _, row := range active {
		if err := r.CloseCycle(ctx, row.ID, closedBy); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Warn().Err(err).Str("cycle_id", row.ID).Msg("cycle close failed")
			continue
		}
		closed++
	}
	return closed, firstErr
}

// CyclesBySymbol returns the account's cycles trading one symbol.
func (r *CycleReconciler) CyclesBySymbol(ctx context.Context, symbol string) ([]db.Cycle, error) {
	return r.database.ListCyclesBySymbol(ctx, r.account, symbol)
}

// CyclesByKind returns the account's active cycles of one kind.
func (r *CycleReconciler) CyclesByKind(ctx context.Context, kind string) ([]db.Cycle, error) {
	rows, err := r.database.ListCyclesByStatus(ctx, r.account, db.CycleActive)
	if err != nil {
		return nil, err
	}
	out := make([]db.Cycle, 0, len(rows))
	for _, c := range rows {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

// Stats returns a snapshot of the reconciler's counters.
func (r *CycleReconciler) Stats() CycleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *CycleReconciler) recordError() {
	r.mu.Lock()
	r.stats.TotalErrors++
	r.mu.Unlock()
}
