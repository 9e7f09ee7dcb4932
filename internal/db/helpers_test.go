package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/models"
)

// countingMetrics records every call for assertions.
type countingMetrics struct {
	mu           sync.Mutex
	transactions map[string]int
	busyRetries  map[string]int
	occRetries   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		transactions: make(map[string]int),
		busyRetries:  make(map[string]int),
		occRetries:   make(map[string]int),
	}
}

func (m *countingMetrics) ObserveTransaction(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[outcome]++
}

func (m *countingMetrics) IncBusyRetry(site string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busyRetries[site]++
}

func (m *countingMetrics) IncOCCRetry(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occRetries[table]++
}

func (m *countingMetrics) IncTransition(string, string, string)   {}
func (m *countingMetrics) ObserveDispatch(string, time.Duration) {}

func (m *countingMetrics) tx(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactions[outcome]
}

func (m *countingMetrics) busy(site string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyRetries[site]
}

func (m *countingMetrics) occ(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occRetries[table]
}

// newTestStore opens a store in a temp dir. mod may adjust the options.
func newTestStore(t *testing.T, mod func(*Options)) (*Store, *countingMetrics) {
	t.Helper()

	metrics := newCountingMetrics()
	opts := Options{
		DataDir: t.TempDir(),
		Metrics: metrics,
		Logger:  logging.Discard(),
	}
	if mod != nil {
		mod(&opts)
	}

	store, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, metrics
}

func scoreTable(store *Store) *Table[models.MessageScore, *models.MessageScore] {
	return NewTable[models.MessageScore](store)
}

func insertScore(t *testing.T, ctx context.Context, tbl *Table[models.MessageScore, *models.MessageScore], msg string) *models.MessageScore {
	t.Helper()
	s := &models.MessageScore{AccountID: 1, MessageID: msg}
	require.NoError(t, tbl.Insert(ctx, s))
	return s
}
