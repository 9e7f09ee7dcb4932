// Package queue is the durable pending-mutation queue: every change the
// client wants applied on the server is persisted here, ordered per account,
// held behind the mutations it depends on and retried within a budget.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/pendingsync/internal/config"
	"github.com/kimhsiao/pendingsync/internal/db"
	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/models"
	"github.com/kimhsiao/pendingsync/internal/sync/conflict"
	"github.com/kimhsiao/pendingsync/internal/sync/status"
	"github.com/kimhsiao/pendingsync/internal/telemetry"
	"github.com/kimhsiao/pendingsync/internal/token"
)

// Config holds queue behavior settings.
type Config struct {
	DefaultDefers int    // retry budget given to every new mutation
	FailurePolicy string // config.PolicyHold or config.PolicyCascade
	MaxSize       int    // rows per account, 0 = unbounded
}

// ConfigFrom maps the queue section of the application config.
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		DefaultDefers: c.DefaultDefers,
		FailurePolicy: c.FailurePolicy,
		MaxSize:       c.MaxSize,
	}
}

// Request describes a mutation to enqueue. Identifier fields hold server
// ids or provisional client ids; Data is stored as JSON.
type Request struct {
	AccountID    int64
	Operation    models.Operation
	TargetID     string
	ClientID     string
	ParentID     string
	DestParentID string
	ItemID       int64
	DisplayName  string
	Data         map[string]interface{}
}

// Queue manages pending mutations for every account in one store.
type Queue struct {
	store     *db.Store
	table     *db.Table[models.PendingMutation, *models.PendingMutation]
	bus       *status.Bus
	conflicts *conflict.Engine
	metrics   telemetry.Metrics
	log       *logging.Logger
	cfg       Config

	mu    sync.Mutex
	ready chan struct{}
}

// New creates a Queue. bus may be nil when nobody listens for results.
func New(store *db.Store, bus *status.Bus, cfg Config) (*Queue, error) {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = config.PolicyHold
	}
	if cfg.FailurePolicy != config.PolicyHold && cfg.FailurePolicy != config.PolicyCascade {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown failure policy %q", cfg.FailurePolicy)
	}
	if cfg.DefaultDefers < 0 || cfg.MaxSize < 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "default defers and max size must be >= 0")
	}

	q := &Queue{
		store:     store,
		table:     db.NewTable[models.PendingMutation](store),
		bus:       bus,
		conflicts: conflict.NewEngine(store, bus),
		metrics:   store.Metrics(),
		log:       logging.Get().With(map[string]interface{}{"component": "queue"}),
		cfg:       cfg,
		ready:     make(chan struct{}),
	}
	q.conflicts.OnFailure(q.predecessorFailed)
	return q, nil
}

// SetLogger replaces the queue's logger.
func (q *Queue) SetLogger(log *logging.Logger) {
	q.log = log.With(map[string]interface{}{"component": "queue"})
	q.conflicts.SetLogger(log)
}

// Conflicts returns the rewrite engine bound to this queue. Mutations it
// hard-fails go through the queue's failure policy.
func (q *Queue) Conflicts() *conflict.Engine {
	return q.conflicts
}

// Policy returns the failure policy in effect.
func (q *Queue) Policy() string {
	return q.cfg.FailurePolicy
}

// Ready returns a channel closed the next time a mutation becomes eligible.
func (q *Queue) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.ready)
	q.ready = make(chan struct{})
}

// =====================================================
// Enqueue and cancel
// =====================================================

// Enqueue persists a new mutation and returns its token. The mutation is
// eligible at once unless it references a provisional id whose create is
// still queued, in which case it waits behind that create.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	m := &models.PendingMutation{
		AccountID:       req.AccountID,
		Token:           token.New(),
		Operation:       req.Operation,
		DefersRemaining: q.cfg.DefaultDefers,
		TargetID:        req.TargetID,
		ClientID:        req.ClientID,
		ParentID:        req.ParentID,
		DestParentID:    req.DestParentID,
		ItemID:          req.ItemID,
		DisplayName:     req.DisplayName,
	}
	if err := m.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "enqueue", err)
	}
	if len(req.Data) > 0 {
		data, err := json.Marshal(req.Data)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrInvalid, "enqueue: payload", err)
		}
		m.Payload = string(data)
	}

	err := q.store.InTransaction(ctx, func(ctx context.Context) error {
		// The transaction may run more than once.
		m.ID, m.PredecessorID = 0, 0
		m.ResultKind, m.ResultWhy, m.LastError = models.ResultNone, models.WhyNone, ""

		if q.cfg.MaxSize > 0 {
			n, err := q.table.Count(ctx, "account_id = ?", m.AccountID)
			if err != nil {
				return err
			}
			if n >= q.cfg.MaxSize {
				return apperrors.Newf(apperrors.ErrQueueFull, "account %d has %d pending mutations (max %d)", m.AccountID, n, q.cfg.MaxSize)
			}
		}

		pred, err := q.findPredecessor(ctx, m, 0, true)
		if err != nil {
			return err
		}
		switch {
		case pred == nil:
			m.State = models.StateEligible
		case pred.State == models.StateFailed && q.cfg.FailurePolicy == config.PolicyCascade:
			m.State = models.StateFailed
			m.ResultKind = models.ResultHardFail
			m.ResultWhy = models.WhyPredecessorFailed
			m.LastError = "predecessor " + pred.Token + " failed"
		default:
			m.State = models.StatePredBlocked
			m.PredecessorID = pred.ID
		}

		if err := q.table.Insert(ctx, m); err != nil {
			return err
		}
		q.afterTransition(ctx, m, "", m.State)
		if m.State == models.StateFailed {
			q.publish(ctx, m, models.ResultHardFail, m.ResultWhy)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	q.log.Info("mutation enqueued", q.fields(m))
	return m.Token, nil
}

// Cancel removes a mutation that is still waiting to be sent. Its
// successors become user-blocked. A dispatched mutation must be resolved
// first and a failed one already reported its outcome; use Dismiss for it.
func (q *Queue) Cancel(ctx context.Context, tok string) error {
	return q.remove(ctx, tok, "cancel", func(m *models.PendingMutation) error {
		switch m.State {
		case models.StateEligible, models.StateDeferred, models.StatePredBlocked, models.StateUserBlocked:
			return nil
		}
		return apperrors.Newf(apperrors.ErrInvalidState, "cancel: %s is %s", m, m.State)
	}, true)
}

// Dismiss removes a failed or user-blocked mutation once it has been
// inspected. Its successors become user-blocked.
func (q *Queue) Dismiss(ctx context.Context, tok string) error {
	return q.remove(ctx, tok, "dismiss", func(m *models.PendingMutation) error {
		if m.State != models.StateFailed && m.State != models.StateUserBlocked {
			return apperrors.Newf(apperrors.ErrInvalidState, "dismiss: %s is neither failed nor user-blocked", m)
		}
		return nil
	}, false)
}

func (q *Queue) remove(ctx context.Context, tok, action string, check func(*models.PendingMutation) error, notify bool) error {
	var removed *models.PendingMutation
	err := q.store.InTransaction(ctx, func(ctx context.Context) error {
		m, err := q.byToken(ctx, tok)
		if err != nil {
			return err
		}
		if err := check(m); err != nil {
			return err
		}

		if err := q.predecessorRemoved(ctx, m); err != nil {
			return err
		}
		if err := q.table.Delete(ctx, m); err != nil {
			return err
		}
		q.metrics.IncTransition(string(m.Operation), string(m.State), string(models.StateDeleted))
		if notify {
			q.publish(ctx, m, models.ResultCancelled, models.WhyNone)
		}
		removed = m
		return nil
	})
	if err != nil {
		return err
	}

	q.log.Info("mutation removed", q.fields(removed, map[string]interface{}{"action": action}))
	return nil
}

// =====================================================
// Claiming
// =====================================================

// claimSQL selects eligible mutations of one account, oldest first,
// skipping those whose server object already has a dispatched mutation.
const claimSQL = `account_id = ? AND state = 'eligible' AND NOT EXISTS (
	SELECT 1 FROM pending_mutations d
	WHERE d.account_id = pending_mutations.account_id
	  AND d.state = 'dispatched'
	  AND (CASE WHEN d.target_id != '' THEN d.target_id ELSE d.client_id END) =
	      (CASE WHEN pending_mutations.target_id != '' THEN pending_mutations.target_id ELSE pending_mutations.client_id END)
	  AND (pending_mutations.target_id != '' OR pending_mutations.client_id != '')
) ORDER BY id LIMIT ?`

const claimBatch = 8

// Claim moves the oldest dispatchable mutation of an account to
// Dispatched and returns a handle for resolving it. It returns nil when
// nothing can be dispatched.
//
// A mutation that fails its own consistency checks is marked Failed with
// an invariant violation and Claim returns an INVARIANT_VIOLATION error;
// other rows are untouched.
func (q *Queue) Claim(ctx context.Context, accountID int64) (*Handle, error) {
	var (
		claimed *models.PendingMutation
		broken  *models.PendingMutation
		cause   error
	)

	err := q.store.InTransaction(ctx, func(ctx context.Context) error {
		claimed, broken, cause = nil, nil, nil
		rows, err := q.table.Query(ctx, claimSQL, accountID, claimBatch)
		if err != nil {
			return err
		}

		for _, m := range rows {
			if verr := m.Validate(); verr != nil {
				got, n, err := q.transition(ctx, m, func(m *models.PendingMutation) bool {
					if m.State != models.StateEligible {
						return false
					}
					m.State = models.StateFailed
					m.ResultKind = models.ResultHardFail
					m.ResultWhy = models.WhyInvariantViolation
					m.LastError = verr.Error()
					return true
				})
				if err != nil {
					return err
				}
				if n == 1 {
					q.publish(ctx, got, models.ResultHardFail, models.WhyInvariantViolation)
					if err := q.predecessorFailed(ctx, got); err != nil {
						return err
					}
					broken, cause = got, verr
					return nil
				}
				continue
			}

			got, n, err := q.transition(ctx, m, func(m *models.PendingMutation) bool {
				if m.State != models.StateEligible {
					return false
				}
				m.State = models.StateDispatched
				m.ResultKind = models.ResultNone
				m.ResultWhy = models.WhyNone
				m.DeferredReason = models.DeferNone
				m.DeferredUntil = 0
				return true
			})
			if err != nil {
				return err
			}
			if n == 1 {
				claimed = got
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if broken != nil {
		q.log.Error("mutation failed consistency check", cause, q.fields(broken))
		return nil, apperrors.Wrap(apperrors.ErrInvariant, broken.String(), cause)
	}
	if claimed == nil {
		return nil, nil
	}

	q.log.Debug("mutation dispatched", q.fields(claimed))
	return &Handle{q: q, m: claimed, claimedAt: time.Now()}, nil
}

// =====================================================
// Re-arming
// =====================================================

// ReleaseDeferred makes deferred mutations of an account eligible again in
// response to the event they were waiting for. A full sync also releases
// mutations waiting on an incremental sync or on verification after a
// restart. For DeferUntilTime, mutations whose deadline is at or before now
// are released.
func (q *Queue) ReleaseDeferred(ctx context.Context, accountID int64, event models.DeferredReason, now time.Time) (int, error) {
	var (
		where string
		args  []interface{}
	)
	switch event {
	case models.DeferFullSync:
		where = "account_id = ? AND state = 'deferred' AND deferred_reason IN (?, ?, ?) ORDER BY id"
		args = []interface{}{accountID, string(models.DeferFullSync), string(models.DeferIncrementalSync), string(models.DeferVerifyRestart)}
	case models.DeferIncrementalSync:
		where = "account_id = ? AND state = 'deferred' AND deferred_reason = ? ORDER BY id"
		args = []interface{}{accountID, string(models.DeferIncrementalSync)}
	case models.DeferUntilTime:
		where = "account_id = ? AND state = 'deferred' AND deferred_reason = ? AND deferred_until <= ? ORDER BY id"
		args = []interface{}{accountID, string(models.DeferUntilTime), now.UTC().UnixMilli()}
	default:
		return 0, apperrors.Newf(apperrors.ErrInvalid, "cannot release on %q", event)
	}

	released := 0
	err := q.store.InTransaction(ctx, func(ctx context.Context) error {
		released = 0
		rows, err := q.table.Query(ctx, where, args...)
		if err != nil {
			return err
		}
		for _, m := range rows {
			reason := m.DeferredReason
			_, n, err := q.transition(ctx, m, func(m *models.PendingMutation) bool {
				if m.State != models.StateDeferred || m.DeferredReason != reason {
					return false
				}
				m.State = models.StateEligible
				m.DeferredReason = models.DeferNone
				m.DeferredUntil = 0
				return true
			})
			if err != nil {
				return err
			}
			released += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if released > 0 {
		q.log.Info("deferred mutations released", map[string]interface{}{
			"account_id": accountID,
			"event":      string(event),
			"count":      released,
		})
	}
	return released, nil
}

// Unblock re-arms a mutation after the user acted on it. A user-blocked
// mutation, or one held behind a failed predecessor, becomes eligible, or
// waits behind another create it still references.
func (q *Queue) Unblock(ctx context.Context, tok string) (*models.PendingMutation, error) {
	var out *models.PendingMutation
	err := q.store.InTransaction(ctx, func(ctx context.Context) error {
		m, err := q.byToken(ctx, tok)
		if err != nil {
			return err
		}

		switch m.State {
		case models.StateUserBlocked:
		case models.StatePredBlocked:
			pred, err := q.table.QueryByID(ctx, m.PredecessorID)
			if err != nil && !apperrors.IsNotFound(err) {
				return err
			}
			if pred != nil && pred.State != models.StateFailed {
				return apperrors.Newf(apperrors.ErrInvalidState, "unblock: %s waits on %s", m, pred)
			}
		default:
			return apperrors.Newf(apperrors.ErrInvalidState, "unblock: %s is not blocked", m)
		}

		next, err := q.findPredecessor(ctx, m, m.PredecessorID, false)
		if err != nil {
			return err
		}
		got, _, err := q.transition(ctx, m, func(m *models.PendingMutation) bool {
			m.BlockReason = models.BlockNone
			m.ResultKind = models.ResultNone
			m.ResultWhy = models.WhyNone
			m.LastError = ""
			if next != nil {
				m.State = models.StatePredBlocked
				m.PredecessorID = next.ID
			} else {
				m.State = models.StateEligible
				m.PredecessorID = 0
			}
			return true
		})
		out = got
		return err
	})
	if err != nil {
		return nil, err
	}

	q.log.Info("mutation unblocked", q.fields(out))
	return out, nil
}

// RecoverDispatched handles mutations left Dispatched by a crash. Their
// outcome is unknown: idempotent operations become eligible, the rest are
// deferred until the next full sync lets the caller verify them. No retry
// budget is spent.
func (q *Queue) RecoverDispatched(ctx context.Context) (int, error) {
	recovered := 0
	err := q.store.InTransaction(ctx, func(ctx context.Context) error {
		recovered = 0
		rows, err := q.table.Query(ctx, "state = 'dispatched' ORDER BY id")
		if err != nil {
			return err
		}
		for _, m := range rows {
			_, n, err := q.transition(ctx, m, func(m *models.PendingMutation) bool {
				if m.State != models.StateDispatched {
					return false
				}
				if m.Operation.Idempotent() {
					m.State = models.StateEligible
				} else {
					m.State = models.StateDeferred
					m.DeferredReason = models.DeferVerifyRestart
				}
				return true
			})
			if err != nil {
				return err
			}
			recovered += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		q.log.Warn("recovered mutations left dispatched", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// =====================================================
// Queries
// =====================================================

// QueryEligible returns the eligible mutations of an account in dispatch order.
func (q *Queue) QueryEligible(ctx context.Context, accountID int64) ([]*models.PendingMutation, error) {
	return q.QueryByState(ctx, accountID, models.StateEligible)
}

// QueryByState returns the mutations of an account in one state, oldest first.
func (q *Queue) QueryByState(ctx context.Context, accountID int64, state models.State) ([]*models.PendingMutation, error) {
	if !state.Valid() || state == models.StateDeleted {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "cannot query state %q", state)
	}
	return q.table.Query(ctx, "account_id = ? AND state = ? ORDER BY id", accountID, string(state))
}

// QueryByToken returns the mutation with the given token.
func (q *Queue) QueryByToken(ctx context.Context, tok string) (*models.PendingMutation, error) {
	return q.byToken(ctx, tok)
}

// List returns every mutation of an account, or of all accounts when
// accountID is 0, oldest first.
func (q *Queue) List(ctx context.Context, accountID int64) ([]*models.PendingMutation, error) {
	if accountID == 0 {
		return q.table.Query(ctx, "1 = 1 ORDER BY id")
	}
	return q.table.QueryByAccountID(ctx, accountID)
}

// Stats counts mutations per state, for one account or all when accountID is 0.
type Stats struct {
	ByState map[models.State]int `json:"by_state"`
	Total   int                  `json:"total"`
}

// Stats returns the per-state counts.
func (q *Queue) Stats(ctx context.Context, accountID int64) (Stats, error) {
	query := "SELECT state, COUNT(*) FROM pending_mutations"
	var args []interface{}
	if accountID != 0 {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " GROUP BY state"

	rows, err := q.store.Query(ctx, query, args...)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
	}
	defer rows.Close()

	stats := Stats{ByState: make(map[models.State]int)}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
		}
		stats.ByState[models.State(state)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
	}
	return stats, nil
}

// =====================================================
// Helpers
// =====================================================

func (q *Queue) byToken(ctx context.Context, tok string) (*models.PendingMutation, error) {
	if err := token.Validate(tok); err != nil {
		return nil, err
	}
	m, err := q.table.QueryOne(ctx, "token = ?", tok)
	if apperrors.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no pending mutation with token %s", tok)
	}
	return m, err
}

// transition applies mutate under optimistic concurrency and records the
// state change. It must run inside a transaction.
func (q *Queue) transition(ctx context.Context, m *models.PendingMutation, mutate db.Mutator[*models.PendingMutation]) (*models.PendingMutation, int, error) {
	var from models.State
	got, n, err := q.table.UpdateWithOCApply(ctx, m, func(cur *models.PendingMutation) bool {
		from = cur.State
		return mutate(cur)
	})
	if err != nil || n == 0 {
		return got, n, err
	}
	q.afterTransition(ctx, got, from, got.State)
	return got, n, nil
}

func (q *Queue) afterTransition(ctx context.Context, m *models.PendingMutation, from, to models.State) {
	q.metrics.IncTransition(string(m.Operation), string(from), string(to))
	if to == models.StateEligible {
		q.store.AfterCommit(ctx, q.signal)
	}
}

// publish emits a notification once the surrounding transaction commits.
func (q *Queue) publish(ctx context.Context, m *models.PendingMutation, kind models.ResultKind, why models.Why) {
	if q.bus == nil {
		return
	}
	n := status.Notification{
		Token:       m.Token,
		AccountID:   m.AccountID,
		Operation:   m.Operation,
		Kind:        kind,
		Why:         why,
		BlockReason: m.BlockReason,
		ServerID:    m.ServerID,
	}
	q.store.AfterCommit(ctx, func() { q.bus.Publish(n) })
}

func (q *Queue) fields(m *models.PendingMutation, extra ...map[string]interface{}) map[string]interface{} {
	f := map[string]interface{}{
		"account_id": m.AccountID,
		"token":      m.Token,
		"operation":  string(m.Operation),
		"state":      string(m.State),
	}
	for _, e := range extra {
		for k, v := range e {
			f[k] = v
		}
	}
	return f
}
