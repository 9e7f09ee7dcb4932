// Package db tests for outcome classification and the rate limiter.
package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
)

// TestOutcome_String verifies outcome names.
func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "committed", OutcomeCommitted.String())
	assert.Equal(t, "conflict", OutcomeConflict.String())
	assert.Equal(t, "busy", OutcomeBusy.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}

// TestOutcome_Retryable verifies only conflict and busy are retried.
func TestOutcome_Retryable(t *testing.T) {
	assert.False(t, OutcomeCommitted.Retryable())
	assert.True(t, OutcomeConflict.Retryable())
	assert.True(t, OutcomeBusy.Retryable())
	assert.False(t, OutcomeFatal.Retryable())
}

// TestIsBusy covers driver-less fallbacks and wrapping.
func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("no such table: x")))
	assert.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))

	wrapped := apperrors.Wrap(apperrors.ErrDatabase, "insert", fmt.Errorf("exec: %w", errors.New("database table is locked")))
	assert.True(t, IsBusy(wrapped))
}

// TestClassify verifies errors map to outcomes.
func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeCommitted, classify(nil))
	assert.Equal(t, OutcomeBusy, classify(errors.New("database is locked")))
	assert.Equal(t, OutcomeFatal, classify(errors.New("disk I/O error")))
}

// TestRateLimiter_disabledByDefault verifies no token is taken while off.
func TestRateLimiter_disabledByDefault(t *testing.T) {
	r := NewRateLimiter(1, time.Hour)
	assert.False(t, r.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	for i := 0; i < 5; i++ {
		assert.NoError(t, r.Wait(ctx))
	}
}

// TestRateLimiter_enabled verifies the burst is honored and then throttled.
func TestRateLimiter_enabled(t *testing.T) {
	r := NewRateLimiter(2, time.Hour)
	r.SetEnabled(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Wait(ctx))
	assert.NoError(t, r.Wait(ctx))
	assert.Error(t, r.Wait(ctx))
}

// TestRateLimiter_nil verifies a nil limiter never blocks.
func TestRateLimiter_nil(t *testing.T) {
	var r *RateLimiter
	assert.NoError(t, r.Wait(context.Background()))
}
