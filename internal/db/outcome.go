package db

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Outcome is the result of one physical write attempt. Retry loops branch
// on the outcome, never on the concrete driver error.
type Outcome int

const (
	// OutcomeCommitted means the write landed.
	OutcomeCommitted Outcome = iota

	// OutcomeConflict means a conditional update matched no row at the
	// expected version.
	OutcomeConflict

	// OutcomeBusy means the storage engine reported contention. The
	// attempt had no effect and may be retried.
	OutcomeBusy

	// OutcomeFatal means any other failure. It is never retried.
	OutcomeFatal
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeConflict:
		return "conflict"
	case OutcomeBusy:
		return "busy"
	default:
		return "fatal"
	}
}

// Retryable reports whether another attempt may succeed.
func (o Outcome) Retryable() bool {
	return o == OutcomeConflict || o == OutcomeBusy
}

// IsBusy reports whether err, or anything it wraps, is SQLITE_BUSY or
// SQLITE_LOCKED (including their extended codes).
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// classify maps an error from a write attempt to an Outcome.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCommitted
	case IsBusy(err):
		return OutcomeBusy
	default:
		return OutcomeFatal
	}
}
