// Package db tests for optimistic concurrency.
package db

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/models"
)

// TestUpdateWithOCApply_success verifies a clean update writes once.
func TestUpdateWithOCApply_success(t *testing.T) {
	store, metrics := newTestStore(t, nil)
	ctx := context.Background()
	tbl := scoreTable(store)
	s := insertScore(t, ctx, tbl, "m1")

	calls := 0
	got, n, err := tbl.UpdateWithOCApply(ctx, s, func(s *models.MessageScore) bool {
		calls++
		s.TimesRead++
		return true
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, got.RowVersion)
	assert.Equal(t, 1, got.TimesRead)
	assert.Zero(t, metrics.occ("message_scores"))
}

// TestUpdateWithOCApply_declined verifies a false mutator writes nothing.
func TestUpdateWithOCApply_declined(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	tbl := scoreTable(store)
	s := insertScore(t, ctx, tbl, "m1")

	got, n, err := tbl.UpdateWithOCApply(ctx, s, func(*models.MessageScore) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Same(t, s, got)

	stored, err := tbl.QueryByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RowVersion)
}

// TestUpdateWithOCApply_conflictRetries verifies two writers starting at v end at v+2.
func TestUpdateWithOCApply_conflictRetries(t *testing.T) {
	store, metrics := newTestStore(t, nil)
	ctx := context.Background()
	tbl := scoreTable(store)
	s := insertScore(t, ctx, tbl, "m1")

	a, err := tbl.QueryByID(ctx, s.ID)
	require.NoError(t, err)
	b, err := tbl.QueryByID(ctx, s.ID)
	require.NoError(t, err)

	callsA, callsB := 0, 0
	_, n, err := tbl.UpdateWithOCApply(ctx, a, func(s *models.MessageScore) bool {
		callsA++
		s.TimesRead++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, callsA)

	got, n, err := tbl.UpdateWithOCApply(ctx, b, func(s *models.MessageScore) bool {
		callsB++
		s.TimesReplied++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, callsB)
	assert.Equal(t, 2, got.RowVersion)
	assert.Equal(t, 1, got.TimesRead)
	assert.Equal(t, 1, got.TimesReplied)
	assert.Equal(t, 1, metrics.occ("message_scores"))
}

// TestUpdateWithOCApply_exhausted verifies running out of attempts returns the last copy and 0.
func TestUpdateWithOCApply_exhausted(t *testing.T) {
	store, _ := newTestStore(t, func(o *Options) { o.OCCAttempts = 3 })
	ctx := context.Background()
	tbl := scoreTable(store)
	s := insertScore(t, ctx, tbl, "m1")

	calls := 0
	got, n, err := tbl.UpdateWithOCApply(ctx, s, func(cur *models.MessageScore) bool {
		calls++
		// Another writer sneaks in before every attempt.
		rival, err := tbl.QueryByID(ctx, cur.ID)
		require.NoError(t, err)
		require.NoError(t, tbl.Update(ctx, rival))
		cur.TimesRead = 100
		return true
	})

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, got.RowVersion)
	assert.Zero(t, got.TimesRead)
}

// TestUpdateWithOCApply_deleted verifies a vanished row is reported.
func TestUpdateWithOCApply_deleted(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	tbl := scoreTable(store)
	s := insertScore(t, ctx, tbl, "m1")
	stale := *s
	require.NoError(t, tbl.Delete(ctx, s))

	_, n, err := tbl.UpdateWithOCApply(ctx, &stale, func(s *models.MessageScore) bool {
		s.TimesRead++
		return true
	})
	assert.Zero(t, n)
	assert.True(t, apperrors.IsNotFound(err))
}

// TestUpdateWithOCApply_transient verifies unsaved records are rejected.
func TestUpdateWithOCApply_transient(t *testing.T) {
	store, _ := newTestStore(t, nil)
	_, _, err := scoreTable(store).UpdateWithOCApply(context.Background(), &models.MessageScore{}, func(*models.MessageScore) bool { return true })
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestUpdateWithOCApply_concurrentCounters verifies no increment is lost without a lock.
func TestUpdateWithOCApply_concurrentCounters(t *testing.T) {
	store, _ := newTestStore(t, nil)
	tbl := scoreTable(store)
	s := insertScore(t, context.Background(), tbl, "m1")

	const workers, perWorker = 6, 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	written, invocations := 0, 0

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ctx := store.Bind(context.Background(), fmt.Sprintf("counter-%d", w))
			for i := 0; i < perWorker; i++ {
				cur, err := tbl.QueryByID(ctx, s.ID)
				if !assert.NoError(t, err) {
					return
				}
				calls := 0
				_, n, err := tbl.UpdateWithOCApply(ctx, cur, func(s *models.MessageScore) bool {
					calls++
					s.TimesRead++
					return true
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				written += n
				invocations += calls
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	got, err := tbl.QueryByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, written)
	assert.Equal(t, workers*perWorker, got.TimesRead)
	assert.Equal(t, workers*perWorker, got.RowVersion)
	assert.GreaterOrEqual(t, invocations, written)
}

// TestUpdateWithOCApply_insideTransaction verifies the loop joins the caller's transaction.
func TestUpdateWithOCApply_insideTransaction(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := store.Bind(context.Background(), "w")
	tbl := scoreTable(store)
	s := insertScore(t, ctx, tbl, "m1")

	err := store.InTransaction(ctx, func(ctx context.Context) error {
		_, n, err := tbl.UpdateWithOCApply(ctx, s, func(s *models.MessageScore) bool {
			s.TimesRead = 9
			return true
		})
		require.Equal(t, 1, n)
		if err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	got, err := tbl.QueryByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TimesRead)
}
