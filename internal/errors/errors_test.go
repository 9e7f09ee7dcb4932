// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrValidation,
		ErrDatabase, ErrMigration, ErrConstraint, ErrBusyTimeout, ErrRolledBack,
		ErrConcurrencyExhausted, ErrInvalidState, ErrInvariant, ErrQueueFull,
	}
	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "invalid state",
			appError: Newf(ErrInvalidState, "mutation %d is %s", 7, "eligible"),
			want:     "[INVALID_STATE] mutation 7 is eligible",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestWrap verifies error wrapping and unwrapping.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlying)
	require.NotNil(t, err)
	assert.Equal(t, ErrDatabase, err.Code)
	assert.Equal(t, "query failed", err.Message)
	assert.Same(t, underlying, err.Unwrap())
	assert.ErrorIs(t, err, underlying)
}

// TestIs verifies error code checking through wrap chains.
func TestIs(t *testing.T) {
	inner := New(ErrBusyTimeout, "database busy")
	outer := Wrap(ErrDatabase, "insert failed", inner)
	foreign := fmt.Errorf("enqueue: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", inner, ErrBusyTimeout, true},
		{"non-matching AppError", inner, ErrInternal, false},
		{"outer code", outer, ErrDatabase, true},
		{"inner code through AppError", outer, ErrBusyTimeout, true},
		{"inner code through fmt wrap", foreign, ErrBusyTimeout, true},
		{"standard error", errors.New("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.code))
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrNotFound, CodeOf(fmt.Errorf("lookup: %w", New(ErrNotFound, "missing"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
	assert.True(t, IsNotFound(New(ErrNotFound, "missing")))
}
