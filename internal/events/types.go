package events

// Event enumerates high-level topics inside the reconciliation core.
type Event string

const (
	EventOrderClosed       Event = "order.closed"
	EventOrderProfitUpdate Event = "order.profit_update"
	EventOrderCloseFailed  Event = "order.close_failed"
	EventCycleRecompute    Event = "cycle.recompute"
	EventCycleUpdated      Event = "cycle.updated"
	EventCycleClosed       Event = "cycle.closed"
	EventCycleReopened     Event = "cycle.reopened"
	EventIntegrityWarning  Event = "integrity.warning"
	EventHedgeLevelTrigger Event = "hedge.level_trigger"
	EventReconcilerRestart Event = "reconciler.restarted"
	EventLedgerWriteFailed Event = "ledger.write_failed"
	EventHeartbeat         Event = "heartbeat"
)

// Persisted event kinds written to the ledger's append-only log.
const (
	KindOrderClosedByVenue  = "ORDER_CLOSED_BY_VENUE"
	KindOrderManuallyClosed = "ORDER_MANUALLY_CLOSED"
	KindOrderCloseFailed    = "ORDER_CLOSE_FAILED"
	KindCycleRecompute      = "CYCLE_RECALCULATE_PROFIT"
	KindCycleClosed         = "CYCLE_CLOSED"
	KindCycleReopened       = "CYCLE_REOPENED"
	KindIntegrityWarning    = "CYCLE_INTEGRITY_WARNING"
	KindHedgeLevelTrigger   = "HEDGE_LEVEL_TRIGGER"
	KindReconcilerRestart   = "RECONCILER_RESTARTED"
	KindLedgerWriteFailed   = "LEDGER_WRITE_FAILED"
)

// Severities for persisted events.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)
