package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/pendingsync/internal/config"
	"github.com/kimhsiao/pendingsync/internal/db"
	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/models"
	"github.com/kimhsiao/pendingsync/internal/sync/status"
)

// transitionMetrics counts state transitions by "from->to".
type transitionMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	dispatches  int
}

func (m *transitionMetrics) ObserveTransaction(string, time.Duration) {}
func (m *transitionMetrics) IncBusyRetry(string)                      {}
func (m *transitionMetrics) IncOCCRetry(string)                       {}

func (m *transitionMetrics) IncTransition(_, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[from+"->"+to]++
}

func (m *transitionMetrics) ObserveDispatch(string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches++
}

func (m *transitionMetrics) count(from, to models.State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions[string(from)+"->"+string(to)]
}

type fixture struct {
	store   *db.Store
	bus     *status.Bus
	queue   *Queue
	metrics *transitionMetrics
}

func newFixture(t *testing.T, mod func(*Config)) *fixture {
	t.Helper()

	metrics := &transitionMetrics{transitions: make(map[string]int)}
	store, err := db.Open(context.Background(), db.Options{
		DataDir: t.TempDir(),
		Metrics: metrics,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{DefaultDefers: 3, FailurePolicy: config.PolicyHold}
	if mod != nil {
		mod(&cfg)
	}

	bus := status.NewBus(32, logging.Discard())
	t.Cleanup(bus.Close)

	q, err := New(store, bus, cfg)
	require.NoError(t, err)
	q.SetLogger(logging.Discard())

	return &fixture{store: store, bus: bus, queue: q, metrics: metrics}
}

func (f *fixture) enqueue(t *testing.T, req Request) string {
	t.Helper()
	if req.AccountID == 0 {
		req.AccountID = 1
	}
	tok, err := f.queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return tok
}

func (f *fixture) get(t *testing.T, tok string) *models.PendingMutation {
	t.Helper()
	m, err := f.queue.QueryByToken(context.Background(), tok)
	require.NoError(t, err)
	return m
}

func (f *fixture) claim(t *testing.T, accountID int64) *Handle {
	t.Helper()
	h, err := f.queue.Claim(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, h, "nothing to claim")
	return h
}

func (f *fixture) gone(t *testing.T, tok string) bool {
	t.Helper()
	_, err := f.queue.QueryByToken(context.Background(), tok)
	return err != nil
}

func receive(t *testing.T, sub *status.Subscription) status.Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification received")
		return status.Notification{}
	}
}

// drain returns every notification already buffered on sub.
func drain(sub *status.Subscription) []status.Notification {
	var out []status.Notification
	for {
		select {
		case n := <-sub.C:
			out = append(out, n)
		default:
			return out
		}
	}
}

func folderCreate(clientID string) Request {
	return Request{Operation: models.OpFolderCreate, ClientID: clientID, DisplayName: "folder " + clientID}
}

func folderUpdate(target string) Request {
	return Request{Operation: models.OpFolderUpdate, TargetID: target, DisplayName: "renamed"}
}

func emailMove(target, dest string) Request {
	return Request{Operation: models.OpEmailMove, TargetID: target, DestParentID: dest}
}
