package queue

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/models"
	"github.com/kimhsiao/pendingsync/internal/sync/conflict"
)

// Handle reports the outcome of one dispatched mutation. Exactly one
// ResolveAs call succeeds; later calls return INVALID_STATE.
type Handle struct {
	q         *Queue
	m         *models.PendingMutation
	claimedAt time.Time
	resolved  atomic.Bool
}

// Mutation returns the mutation as it was claimed.
func (h *Handle) Mutation() models.PendingMutation {
	return *h.m
}

// Resolved reports whether a ResolveAs call has succeeded.
func (h *Handle) Resolved() bool {
	return h.resolved.Load()
}

// Token returns the claimed mutation's token.
func (h *Handle) Token() string {
	return h.m.Token
}

// resolve re-reads the row, checks it is still dispatched and runs fn in
// one transaction.
func (h *Handle) resolve(ctx context.Context, action string, fn func(ctx context.Context, m *models.PendingMutation) error) error {
	err := h.q.store.InTransaction(ctx, func(ctx context.Context) error {
		m, err := h.q.table.QueryByID(ctx, h.m.ID)
		if apperrors.IsNotFound(err) {
			return apperrors.Newf(apperrors.ErrInvalidState, "%s: %s was already resolved", action, h.m)
		}
		if err != nil {
			return err
		}
		if m.State != models.StateDispatched || m.Token != h.m.Token {
			return apperrors.Newf(apperrors.ErrInvalidState, "%s: %s is not dispatched", action, m)
		}
		return fn(ctx, m)
	})
	if err != nil {
		return err
	}
	h.resolved.Store(true)
	h.q.metrics.ObserveDispatch(string(h.m.Operation), time.Since(h.claimedAt))
	return nil
}

// ResolveAsSuccess removes the mutation after the server confirmed it,
// applies any identifier rewrites the response carried and releases the
// mutation's successors. A create must be resolved with ResolveAsCreated.
func (h *Handle) ResolveAsSuccess(ctx context.Context, rewrites ...conflict.Rewrite) error {
	return h.resolve(ctx, "resolve success", func(ctx context.Context, m *models.PendingMutation) error {
		if m.Operation.CreatesServerObject() {
			return apperrors.Newf(apperrors.ErrInvalidState, "resolve success: %s creates a server object, resolve it as created", m)
		}
		return h.succeed(ctx, m, "", rewrites)
	})
}

// ResolveAsCreated is ResolveAsSuccess for a create: every queued
// reference to the mutation's provisional id is rewritten to serverID
// before its successors are released.
func (h *Handle) ResolveAsCreated(ctx context.Context, serverID string, rewrites ...conflict.Rewrite) error {
	if serverID == "" {
		return apperrors.New(apperrors.ErrInvalid, "resolve created: server id is required")
	}
	return h.resolve(ctx, "resolve created", func(ctx context.Context, m *models.PendingMutation) error {
		if !m.Operation.CreatesServerObject() {
			return apperrors.Newf(apperrors.ErrInvalidState, "resolve created: %s does not create a server object", m)
		}
		rw := conflict.Rewrite{AccountID: m.AccountID, Match: m.ClientID, Replace: serverID}
		return h.succeed(ctx, m, serverID, append([]conflict.Rewrite{rw}, rewrites...))
	})
}

func (h *Handle) succeed(ctx context.Context, m *models.PendingMutation, serverID string, rewrites []conflict.Rewrite) error {
	q := h.q
	if len(rewrites) > 0 {
		if _, err := q.conflicts.ApplyAll(ctx, rewrites); err != nil {
			return err
		}
	}

	m.ResultKind = models.ResultSuccess
	m.ResultWhy = models.WhyNone
	if serverID != "" {
		m.ServerID = serverID
	}

	if err := q.releaseSuccessors(ctx, m); err != nil {
		return err
	}
	if err := q.table.Delete(ctx, m); err != nil {
		return err
	}
	q.metrics.IncTransition(string(m.Operation), string(models.StateDispatched), string(models.StateDeleted))
	q.publish(ctx, m, models.ResultSuccess, models.WhyNone)

	q.log.Info("mutation succeeded", q.fields(m, map[string]interface{}{"server_id": m.ServerID}))
	return nil
}

// ResolveAsHardFail marks the mutation Failed. An empty why records
// WhyNotSpecified. Successors are handled by the queue's failure policy.
func (h *Handle) ResolveAsHardFail(ctx context.Context, why models.Why, detail string) error {
	if why == models.WhyNone {
		why = models.WhyNotSpecified
	}
	return h.resolve(ctx, "resolve hard fail", func(ctx context.Context, m *models.PendingMutation) error {
		return h.fail(ctx, m, why, detail)
	})
}

func (h *Handle) fail(ctx context.Context, m *models.PendingMutation, why models.Why, detail string) error {
	q := h.q
	got, n, err := q.transition(ctx, m, func(m *models.PendingMutation) bool {
		if m.State != models.StateDispatched {
			return false
		}
		m.State = models.StateFailed
		m.ResultKind = models.ResultHardFail
		m.ResultWhy = why
		m.LastError = detail
		return true
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrConcurrencyExhausted, "resolve hard fail: %s", m)
	}

	if err := q.predecessorFailed(ctx, got); err != nil {
		return err
	}
	q.publish(ctx, got, models.ResultHardFail, why)
	q.log.Warn("mutation failed", q.fields(got, map[string]interface{}{"why": string(why), "detail": detail}))
	return nil
}

// ResolveAsDeferred records a transient failure. The mutation waits for
// reason's event and spends one unit of its retry budget; with no budget
// left it fails with WhyDeferBudgetExhausted instead. until is required
// for DeferUntilTime and ignored otherwise. The resulting state is
// returned.
func (h *Handle) ResolveAsDeferred(ctx context.Context, reason models.DeferredReason, until time.Time, why models.Why) (models.State, error) {
	return h.deferred(ctx, reason, until, why, false)
}

// ResolveAsDeferredForce defers without spending the retry budget, for
// when the server asks the client to resynchronize first.
func (h *Handle) ResolveAsDeferredForce(ctx context.Context, reason models.DeferredReason, until time.Time, why models.Why) (models.State, error) {
	return h.deferred(ctx, reason, until, why, true)
}

func (h *Handle) deferred(ctx context.Context, reason models.DeferredReason, until time.Time, why models.Why, force bool) (models.State, error) {
	switch reason {
	case models.DeferFullSync, models.DeferIncrementalSync, models.DeferVerifyRestart:
		until = time.Time{}
	case models.DeferUntilTime:
		if until.IsZero() {
			return "", apperrors.New(apperrors.ErrInvalid, "resolve deferred: until time is required")
		}
	default:
		return "", apperrors.Newf(apperrors.ErrInvalid, "resolve deferred: unknown reason %q", reason)
	}

	var result models.State
	err := h.resolve(ctx, "resolve deferred", func(ctx context.Context, m *models.PendingMutation) error {
		if m.DefersRemaining == 0 && !force {
			result = models.StateFailed
			return h.fail(ctx, m, models.WhyDeferBudgetExhausted, "last transient failure: "+string(why))
		}

		got, n, err := h.q.transition(ctx, m, func(m *models.PendingMutation) bool {
			if m.State != models.StateDispatched {
				return false
			}
			if !force {
				m.DefersRemaining--
			}
			m.DeferCount++
			m.State = models.StateDeferred
			m.DeferredReason = reason
			m.DeferredUntil = 0
			if !until.IsZero() {
				m.DeferredUntil = until.UTC().UnixMilli()
			}
			m.ResultKind = models.ResultDeferred
			m.ResultWhy = why
			return true
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.Newf(apperrors.ErrConcurrencyExhausted, "resolve deferred: %s", m)
		}

		result = models.StateDeferred
		h.q.publish(ctx, got, models.ResultDeferred, why)
		h.q.log.Info("mutation deferred", h.q.fields(got, map[string]interface{}{
			"reason":           string(reason),
			"defers_remaining": got.DefersRemaining,
			"forced":           force,
		}))
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// ResolveAsUserBlocked parks the mutation until the user acts on reason.
// Its successors keep waiting.
func (h *Handle) ResolveAsUserBlocked(ctx context.Context, reason models.BlockReason, why models.Why) error {
	if reason == models.BlockNone {
		return apperrors.New(apperrors.ErrInvalid, "resolve user blocked: block reason is required")
	}
	return h.resolve(ctx, "resolve user blocked", func(ctx context.Context, m *models.PendingMutation) error {
		got, n, err := h.q.transition(ctx, m, func(m *models.PendingMutation) bool {
			if m.State != models.StateDispatched {
				return false
			}
			m.State = models.StateUserBlocked
			m.BlockReason = reason
			m.ResultKind = models.ResultUserBlocked
			m.ResultWhy = why
			return true
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.Newf(apperrors.ErrConcurrencyExhausted, "resolve user blocked: %s", m)
		}

		h.q.publish(ctx, got, models.ResultUserBlocked, why)
		h.q.log.Warn("mutation needs user action", h.q.fields(got, map[string]interface{}{"block_reason": string(reason)}))
		return nil
	})
}
