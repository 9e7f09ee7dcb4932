package db

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
)

// occWarnAfter is the attempt count after which contention is logged.
const occWarnAfter = 10

// Mutator applies an in-memory change and reports whether to write it.
// It may be called several times, each time on a freshly read copy.
type Mutator[P any] func(p P) bool

// UpdateWithOCApply applies mutate to p and writes it only if the stored
// row is still at the version p was read at. On a version conflict or a
// busy store the row is re-read and mutate runs again on the fresh copy.
//
// It returns the final copy and the number of rows written: 1 on success,
// 0 when mutate declined (the copy is returned unchanged) or when the
// attempt budget ran out (the last-read copy is returned). A deleted row
// yields NOT_FOUND.
//
// Inside a transaction a busy write is returned at once so the
// transaction's own retry loop can restart the whole scope.
func (t *Table[T, P]) UpdateWithOCApply(ctx context.Context, p P, mutate Mutator[P]) (P, int, error) {
	if p.Meta().ID == 0 {
		return p, 0, apperrors.Newf(apperrors.ErrInvalid, "%s: cannot update a record that was never inserted", t.name)
	}

	store := t.store
	attempts := store.opts.OCCAttempts
	cur := p
	stale := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt == occWarnAfter+1 {
			store.log.Warn("optimistic update under contention", map[string]interface{}{
				"table":   t.name,
				"id":      cur.Meta().ID,
				"attempt": attempt,
			})
		}

		// A re-read that hit a busy store leaves cur holding an unwritten
		// change; never run mutate on it twice.
		if stale {
			fresh, err := t.reread(ctx, cur)
			if err != nil {
				if isBusyErr(err) {
					continue
				}
				return cur, 0, err
			}
			cur, stale = fresh, false
		}

		if !mutate(cur) {
			return cur, 0, nil
		}

		outcome, err := t.updateIfVersion(ctx, cur, cur.Meta().RowVersion)
		switch outcome {
		case OutcomeCommitted:
			return cur, 1, nil
		case OutcomeFatal:
			return cur, 0, err
		case OutcomeBusy:
			store.metrics.IncBusyRetry("occ")
			if store.inTransaction(ctx) {
				return cur, 0, err
			}
			if err := sleep(ctx, store.opts.OCCBusyPause); err != nil {
				return cur, 0, err
			}
		case OutcomeConflict:
			store.metrics.IncOCCRetry(t.name)
		}

		fresh, err := t.reread(ctx, cur)
		if err != nil {
			if isBusyErr(err) {
				stale = true
				continue
			}
			return cur, 0, err
		}
		cur = fresh
	}

	store.log.Warn("optimistic update gave up", map[string]interface{}{
		"table":    t.name,
		"id":       cur.Meta().ID,
		"attempts": attempts,
	})
	return cur, 0, nil
}

func (t *Table[T, P]) reread(ctx context.Context, cur P) (P, error) {
	return t.QueryByID(ctx, cur.Meta().ID)
}

func isBusyErr(err error) bool {
	return IsBusy(err) || apperrors.Is(err, apperrors.ErrBusyTimeout)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
