// Package telemetry tests verify the no-op default and the Prometheus wiring.
package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNop verifies the no-op implementation accepts every call.
func TestNop(t *testing.T) {
	m := Nop()
	m.ObserveTransaction(OutcomeCommitted, time.Millisecond)
	m.IncBusyRetry("transaction")
	m.IncOCCRetry("pending_mutations")
	m.IncTransition("folder_create", "eligible", "dispatched")
	m.ObserveDispatch("folder_create", time.Second)
}

// TestOrNop verifies nil metrics are replaced.
func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	p, err := NewPrometheus(nil, "test")
	require.NoError(t, err)
	assert.Same(t, p, OrNop(p))
}

// TestPrometheus_counters verifies counters land in the right label sets.
func TestPrometheus_counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "pendingsync")
	require.NoError(t, err)

	p.IncBusyRetry("transaction")
	p.IncBusyRetry("transaction")
	p.IncOCCRetry("pending_mutations")
	p.IncTransition("email_move", "eligible", "dispatched")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.busyRetries.WithLabelValues("transaction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.occRetries.WithLabelValues("pending_mutations")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("email_move", "eligible", "dispatched")))
}

// TestPrometheus_histograms verifies observations are collected.
func TestPrometheus_histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "pendingsync")
	require.NoError(t, err)

	p.ObserveTransaction(OutcomeCommitted, 2*time.Millisecond)
	p.ObserveDispatch("email_send", 150*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(p.transactions))
	assert.Equal(t, 1, testutil.CollectAndCount(p.dispatch))
}

// TestPrometheus_duplicateRegistration verifies a second registration fails.
func TestPrometheus_duplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg, "pendingsync")
	require.NoError(t, err)

	_, err = NewPrometheus(reg, "pendingsync")
	assert.Error(t, err)
}
