package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recon-core/internal/events"
	"recon-core/internal/persistence"
)

// TickRecorder receives per-tick timings and failure counts. Satisfied by
// monitor.EngineMetrics; nil means no recording.
type TickRecorder interface {
	RecordOrderTick(d time.Duration)
	RecordCycleTick(d time.Duration)
	RecordValidation(d time.Duration)
	IncrementErrors()
}

// EngineStats aggregates both reconcilers' counters plus supervisor state.
type EngineStats struct {
	Running  bool       `json:"running"`
	Restarts uint64     `json:"restarts"`
	Orders   OrderStats `json:"orders"`
	Cycles   CycleStats `json:"cycles"`
}

// Supervisor owns the reconciliation loops. Each loop runs on its own
// period; ticks of the same reconciler never overlap. A reconciler that
// fails several ticks in a row is replaced with a freshly constructed one
// so poisoned in-memory state cannot outlive the failure streak.
type Supervisor struct {
	cfg      Config
	em       emitter
	newOrder func() *OrderReconciler
	newCycle func() *CycleReconciler
	recorder TickRecorder

	orderMu sync.Mutex // serializes order ticks, including forced ones
	cycleMu sync.Mutex // serializes cycle and validation ticks

	mu            sync.Mutex
	orders        *OrderReconciler
	cycles        *CycleReconciler
	orderFailures int
	cycleFailures int
	restarts      uint64
	running       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewSupervisor(cfg Config, bus *events.Bus, writer *persistence.EventWriter, account, instanceID string, newOrder func() *OrderReconciler, newCycle func() *CycleReconciler) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		em:       emitter{account: account, instanceID: instanceID, bus: bus, writer: writer},
		newOrder: newOrder,
		newCycle: newCycle,
		orders:   newOrder(),
		cycles:   newCycle(),
	}
}

// SetRecorder attaches a tick-latency recorder. Call before Start.
func (s *Supervisor) SetRecorder(rec TickRecorder) {
	s.recorder = rec
}

// Start launches the reconciliation loops. It returns immediately; the
// loops run until Stop or until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	s.wg.Add(3)
	go s.loop(ctx, s.cfg.OrderSyncPeriod.Std(), s.orderTick)
	go s.loop(ctx, s.cfg.CycleSyncPeriod.Std(), s.cycleTick)
	go s.loop(ctx, s.cfg.ValidationPeriod.Std(), s.validationTick)

	log.Info().
		Dur("order_period", s.cfg.OrderSyncPeriod.Std()).
		Dur("cycle_period", s.cfg.CycleSyncPeriod.Std()).
		Dur("validation_period", s.cfg.ValidationPeriod.Std()).
		Msg("reconciliation supervisor started")
	return nil
}

// Stop cancels the loops and waits up to the shutdown grace period for the
// in-flight ticks to finish. Ticks never stop mid-write; cancellation is
// observed at tick boundaries and between venue calls.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("reconciliation supervisor stopped")
	case <-time.After(s.cfg.ShutdownGrace.Std()):
		log.Warn().Msg("reconciliation supervisor shutdown grace elapsed")
	}
}

func (s *Supervisor) loop(ctx context.Context, period time.Duration, tick func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Supervisor) orderTick(ctx context.Context) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	s.mu.Lock()
	r := s.orders
	s.mu.Unlock()

	started := time.Now()
	res, err := r.Tick(ctx)
	if s.recorder != nil {
		s.recorder.RecordOrderTick(time.Since(started))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if s.recorder != nil {
			s.recorder.IncrementErrors()
		}
		log.Error().Err(err).Msg("order reconciliation tick failed")
		s.recordFailure(&s.orderFailures, "orders", func() {
			s.orders = s.newOrder()
		})
		return
	}
	s.resetFailures(&s.orderFailures)
	s.em.heartbeat(res)
}

func (s *Supervisor) cycleTick(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	r := s.cycles
	s.mu.Unlock()

	started := time.Now()
	_, err := r.Tick(ctx)
	if s.recorder != nil {
		s.recorder.RecordCycleTick(time.Since(started))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if s.recorder != nil {
			s.recorder.IncrementErrors()
		}
		log.Error().Err(err).Msg("cycle reconciliation tick failed")
		s.recordFailure(&s.cycleFailures, "cycles", func() {
			s.cycles = s.newCycle()
		})
		return
	}
	s.resetFailures(&s.cycleFailures)
}

func (s *Supervisor) validationTick(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	r := s.cycles
	s.mu.Unlock()

	started := time.Now()
	_, err := r.Validate(ctx)
	if s.recorder != nil {
		s.recorder.RecordValidation(time.Since(started))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if s.recorder != nil {
			s.recorder.IncrementErrors()
		}
		log.Error().Err(err).Msg("cycle validation pass failed")
		s.recordFailure(&s.cycleFailures, "cycles", func() {
			s.cycles = s.newCycle()
		})
		return
	}
	s.resetFailures(&s.cycleFailures)
}

// recordFailure bumps a consecutive-failure counter and, at the restart
// threshold, swaps in a fresh reconciler built by the factory.
func (s *Supervisor) recordFailure(counter *int, which string, rebuild func()) {
	s.mu.Lock()
	*counter++
	failures := *counter
	restart := failures >= s.cfg.RestartThreshold
	if restart {
		rebuild()
		*counter = 0
		s.restarts++
	}
	s.mu.Unlock()

	if restart {
		log.Warn().Str("reconciler", which).Int("consecutive_failures", failures).
			Msg("reconciler restarted with fresh state")
		s.em.emit(events.KindReconcilerRestart, events.EventReconcilerRestart, which, events.SeverityError, map[string]any{
			"reconciler":           which,
			"consecutive_failures": failures,
		})
	}
}

func (s *Supervisor) resetFailures(counter *int) {
	s.mu.Lock()
	*counter = 0
	s.mu.Unlock()
}

// ForceSync runs one order tick and one cycle tick immediately, outside the
// periodic schedule, and waits for both to finish. Used by operators after
// manual venue interventions.
func (s *Supervisor) ForceSync(ctx context.Context) error {
	s.mu.Lock()
	orders, cycles := s.orders, s.cycles
	s.mu.Unlock()

	s.orderMu.Lock()
	_, orderErr := orders.Tick(ctx)
	s.orderMu.Unlock()

	s.cycleMu.Lock()
	_, cycleErr := cycles.Tick(ctx)
	s.cycleMu.Unlock()

	if orderErr != nil {
		return fmt.Errorf("force sync orders: %w", orderErr)
	}
	if cycleErr != nil {
		return fmt.Errorf("force sync cycles: %w", cycleErr)
	}
	return nil
}

// Orders returns the current order reconciler.
func (s *Supervisor) Orders() *OrderReconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders
}

// Cycles returns the current cycle reconciler.
func (s *Supervisor) Cycles() *CycleReconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Stats returns a combined statistics snapshot.
func (s *Supervisor) Stats() EngineStats {
	s.mu.Lock()
	orders, cycles := s.orders, s.cycles
	stats := EngineStats{Running: s.running, Restarts: s.restarts}
	s.mu.Unlock()

	stats.Orders = orders.Stats()
	stats.Cycles = cycles.Stats()
	return stats
}

// heartbeat publishes a lightweight liveness payload on the bus after each
// successful order tick. It is bus-only; nothing is persisted.
func (e *emitter) heartbeat(res OrderTickResult) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventHeartbeat, map[string]any{
		"venue_count":  res.VenueCount,
		"ledger_count": res.LedgerCount,
		"writes":       res.Writes,
		"at":           time.Now().UTC(),
	})
}
