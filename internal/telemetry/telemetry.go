// Package telemetry defines the metrics surface injected into the store and
// the queue.
//
// Nothing is collected unless a caller explicitly wires a real
// implementation; Nop is the default everywhere.
package telemetry

import "time"

// Transaction outcome labels.
const (
	OutcomeCommitted = "committed"
	OutcomeRollback  = "rollback"
	OutcomeBusy      = "busy"
	OutcomeFatal     = "fatal"
)

// Metrics receives counters and timings from the storage and queue layers.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveTransaction records one physical transaction attempt.
	ObserveTransaction(outcome string, d time.Duration)

	// IncBusyRetry counts a storage-busy retry at the given site
	// ("transaction", "statement", "occ").
	IncBusyRetry(site string)

	// IncOCCRetry counts an optimistic-concurrency conflict on a table.
	IncOCCRetry(table string)

	// IncTransition counts a mutation moving between states.
	IncTransition(operation, from, to string)

	// ObserveDispatch records how long the executor held a mutation.
	ObserveDispatch(operation string, d time.Duration)
}

// =====================================================
// No-Op Implementation
// =====================================================

type nop struct{}

// Nop returns a Metrics that discards everything.
func Nop() Metrics {
	return nop{}
}

func (nop) ObserveTransaction(string, time.Duration) {}
func (nop) IncBusyRetry(string)                      {}
func (nop) IncOCCRetry(string)                       {}
func (nop) IncTransition(string, string, string)     {}
func (nop) ObserveDispatch(string, time.Duration)    {}

// OrNop returns m, or Nop when m is nil.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return Nop()
	}
	return m
}
