package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/models"
	"github.com/kimhsiao/pendingsync/internal/token"
)

func TestNew_invalidConfig(t *testing.T) {
	f := newFixture(t, nil)

	_, err := New(f.store, nil, Config{FailurePolicy: "explode"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = New(f.store, nil, Config{DefaultDefers: -1})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	q, err := New(f.store, nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, "hold", q.Policy())
}

func TestEnqueue_eligible(t *testing.T) {
	f := newFixture(t, nil)

	tok := f.enqueue(t, Request{
		Operation: models.OpEmailSend,
		ItemID:    7,
		Data:      map[string]interface{}{"subject": "hello"},
	})
	assert.True(t, token.Valid(tok))

	m := f.get(t, tok)
	assert.Equal(t, models.StateEligible, m.State)
	assert.Equal(t, 3, m.DefersRemaining)
	assert.Zero(t, m.PredecessorID)
	assert.NotZero(t, m.CreatedAt)
	assert.Equal(t, 1, m.SchemaVersion)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(m.Payload), &data))
	assert.Equal(t, "hello", data["subject"])
	assert.Equal(t, 1, f.metrics.count("", models.StateEligible))
}

func TestEnqueue_invalidRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown operation", Request{AccountID: 1, Operation: "teleport"}},
		{"no account", Request{Operation: models.OpEmailSearch}},
		{"missing target", Request{AccountID: 1, Operation: models.OpFolderDelete}},
		{"create without client id", Request{AccountID: 1, Operation: models.OpFolderCreate}},
		{"move without destination", Request{AccountID: 1, Operation: models.OpEmailMove, TargetID: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Enqueue(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)
		})
	}

	all, err := f.queue.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEnqueue_queueFull(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxSize = 2 })
	ctx := context.Background()

	f.enqueue(t, folderUpdate("a"))
	f.enqueue(t, folderUpdate("b"))

	_, err := f.queue.Enqueue(ctx, Request{AccountID: 1, Operation: models.OpFolderUpdate, TargetID: "c"})
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))

	// The limit is per account.
	f.enqueue(t, Request{AccountID: 2, Operation: models.OpFolderUpdate, TargetID: "c"})
}

func TestCancel_eligibleEmitsNoSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tok := f.enqueue(t, folderUpdate("srv-1"))
	sub := f.bus.Subscribe(tok)

	require.NoError(t, f.queue.Cancel(ctx, tok))
	assert.True(t, f.gone(t, tok))

	notes := drain(sub)
	require.Len(t, notes, 1)
	assert.Equal(t, models.ResultCancelled, notes[0].Kind)
	for _, n := range notes {
		assert.NotEqual(t, models.ResultSuccess, n.Kind)
	}
	assert.Equal(t, 1, f.metrics.count(models.StateEligible, models.StateDeleted))
}

func TestCancel_dispatchedRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tok := f.enqueue(t, folderUpdate("srv-1"))
	f.claim(t, 1)

	err := f.queue.Cancel(ctx, tok)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidState))
	assert.Equal(t, models.StateDispatched, f.get(t, tok).State)
}

func TestCancel_failedRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tok := f.enqueue(t, folderUpdate("srv-1"))
	sub := f.bus.Subscribe(tok)
	require.NoError(t, f.claim(t, 1).ResolveAsHardFail(ctx, models.WhyAccessDenied, "403"))
	assert.Equal(t, models.ResultHardFail, receive(t, sub).Kind)

	err := f.queue.Cancel(ctx, tok)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidState))
	assert.Equal(t, models.StateFailed, f.get(t, tok).State)
	assert.Empty(t, drain(sub))

	require.NoError(t, f.queue.Dismiss(ctx, tok))
	assert.True(t, f.gone(t, tok))
	assert.Empty(t, drain(sub))
}

func TestCancel_unknownToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.True(t, apperrors.IsNotFound(f.queue.Cancel(ctx, token.New())))
	assert.True(t, apperrors.Is(f.queue.Cancel(ctx, "nope"), apperrors.ErrInvalid))
}

func TestDismiss(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	eligible := f.enqueue(t, folderUpdate("srv-1"))
	err := f.queue.Dismiss(ctx, eligible)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidState))

	require.NoError(t, f.queue.Cancel(ctx, eligible))

	failed := f.enqueue(t, folderUpdate("srv-2"))
	h := f.claim(t, 1)
	require.Equal(t, failed, h.Token())
	require.NoError(t, h.ResolveAsHardFail(ctx, models.WhyServerError, "500"))

	sub := f.bus.Subscribe(failed)
	require.NoError(t, f.queue.Dismiss(ctx, failed))
	assert.True(t, f.gone(t, failed))
	assert.Empty(t, drain(sub))
}

func TestClaim_fifoPerAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.enqueue(t, folderUpdate("a"))
	second := f.enqueue(t, folderUpdate("b"))
	other := f.enqueue(t, Request{AccountID: 2, Operation: models.OpFolderUpdate, TargetID: "a"})

	eligible, err := f.queue.QueryEligible(ctx, 1)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, first, eligible[0].Token)
	assert.Equal(t, second, eligible[1].Token)

	h1 := f.claim(t, 1)
	assert.Equal(t, first, h1.Token())
	assert.Equal(t, models.StateDispatched, f.get(t, first).State)

	h2 := f.claim(t, 1)
	assert.Equal(t, second, h2.Token())

	h, err := f.queue.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, h)

	// The same target in another account is independent.
	assert.Equal(t, other, f.claim(t, 2).Token())
}

func TestClaim_oneDispatchedPerTarget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rename := f.enqueue(t, folderUpdate("srv-1"))
	remove := f.enqueue(t, Request{Operation: models.OpFolderDelete, TargetID: "srv-1"})
	search := f.enqueue(t, Request{Operation: models.OpEmailSearch})

	h := f.claim(t, 1)
	assert.Equal(t, rename, h.Token())

	// srv-1 is busy, so the search behind it goes first.
	next := f.claim(t, 1)
	assert.Equal(t, search, next.Token())

	none, err := f.queue.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, h.ResolveAsSuccess(ctx))
	assert.Equal(t, remove, f.claim(t, 1).Token())
}

func TestClaim_invariantViolationFailsOnlyThatRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	broken := f.enqueue(t, folderUpdate("srv-1"))
	fine := f.enqueue(t, folderUpdate("srv-2"))
	sub := f.bus.Subscribe(broken)

	_, err := f.store.Exec(ctx, "UPDATE pending_mutations SET target_id = '' WHERE token = ?", broken)
	require.NoError(t, err)

	h, err := f.queue.Claim(ctx, 1)
	assert.Nil(t, h)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvariant), "got %v", err)

	m := f.get(t, broken)
	assert.Equal(t, models.StateFailed, m.State)
	assert.Equal(t, models.WhyInvariantViolation, m.ResultWhy)
	assert.Equal(t, models.WhyInvariantViolation, receive(t, sub).Why)

	assert.Equal(t, models.StateEligible, f.get(t, fine).State)
	assert.Equal(t, fine, f.claim(t, 1).Token())
}

func TestReleaseDeferred(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deferAs := func(req Request, reason models.DeferredReason, until time.Time) string {
		tok := f.enqueue(t, req)
		h := f.claim(t, 1)
		require.Equal(t, tok, h.Token())
		state, err := h.ResolveAsDeferred(ctx, reason, until, models.WhyServerOffline)
		require.NoError(t, err)
		require.Equal(t, models.StateDeferred, state)
		return tok
	}

	full := deferAs(folderUpdate("a"), models.DeferFullSync, time.Time{})
	incr := deferAs(folderUpdate("b"), models.DeferIncrementalSync, time.Time{})
	soon := deferAs(folderUpdate("c"), models.DeferUntilTime, now.Add(time.Minute))
	later := deferAs(folderUpdate("d"), models.DeferUntilTime, now.Add(time.Hour))

	n, err := f.queue.ReleaseDeferred(ctx, 1, models.DeferUntilTime, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.queue.ReleaseDeferred(ctx, 1, models.DeferUntilTime, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateEligible, f.get(t, soon).State)
	assert.Zero(t, f.get(t, soon).DeferredUntil)
	assert.Equal(t, models.StateDeferred, f.get(t, later).State)

	n, err = f.queue.ReleaseDeferred(ctx, 1, models.DeferIncrementalSync, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateEligible, f.get(t, incr).State)
	assert.Equal(t, models.StateDeferred, f.get(t, full).State)

	n, err = f.queue.ReleaseDeferred(ctx, 2, models.DeferFullSync, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.queue.ReleaseDeferred(ctx, 1, models.DeferFullSync, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateEligible, f.get(t, full).State)
	assert.Equal(t, models.DeferNone, f.get(t, full).DeferredReason)

	_, err = f.queue.ReleaseDeferred(ctx, 1, models.DeferNone, now)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRecoverDispatched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	send := f.enqueue(t, Request{Operation: models.OpEmailSend, ItemID: 1})
	del := f.enqueue(t, Request{Operation: models.OpEmailDelete, TargetID: "msg-1"})
	waiting := f.enqueue(t, folderUpdate("srv-1"))
	f.claim(t, 1)
	f.claim(t, 1)

	n, err := f.queue.RecoverDispatched(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m := f.get(t, send)
	assert.Equal(t, models.StateDeferred, m.State)
	assert.Equal(t, models.DeferVerifyRestart, m.DeferredReason)
	assert.Equal(t, 3, m.DefersRemaining)

	assert.Equal(t, models.StateEligible, f.get(t, del).State)
	assert.Equal(t, models.StateEligible, f.get(t, waiting).State)

	n, err = f.queue.ReleaseDeferred(ctx, 1, models.DeferFullSync, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateEligible, f.get(t, send).State)
}

func TestStatsAndList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, folderCreate("tmp-1"))
	f.enqueue(t, folderUpdate("tmp-1"))
	f.enqueue(t, Request{AccountID: 2, Operation: models.OpEmailSearch})
	f.claim(t, 1)

	stats, err := f.queue.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByState[models.StateDispatched])
	assert.Equal(t, 1, stats.ByState[models.StatePredBlocked])

	stats, err = f.queue.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)

	all, err := f.queue.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := f.queue.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, models.OpEmailSearch, one[0].Operation)

	blocked, err := f.queue.QueryByState(ctx, 1, models.StatePredBlocked)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)

	_, err = f.queue.QueryByState(ctx, 1, models.StateDeleted)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestReady_closedWhenEligible(t *testing.T) {
	f := newFixture(t, nil)

	ready := f.queue.Ready()
	select {
	case <-ready:
		t.Fatal("ready before anything was enqueued")
	default:
	}

	f.enqueue(t, folderUpdate("a"))

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready not signalled")
	}
	assert.NotEqual(t, ready, f.queue.Ready())
}
