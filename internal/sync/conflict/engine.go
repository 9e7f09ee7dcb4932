// Package conflict applies server-driven changes to queued mutations:
// identifier rewrites when the server replaces a provisional id, and
// hard failures when the server reports an object deleted.
package conflict

import (
	"context"
	"fmt"
	"strings"

	"github.com/kimhsiao/pendingsync/internal/db"
	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/models"
	"github.com/kimhsiao/pendingsync/internal/sync/status"
	"github.com/kimhsiao/pendingsync/internal/telemetry"
)

// Rewrite replaces Match with Replace in the named identifier fields of
// every undispatched mutation of an account. An empty Fields means all
// identifier fields.
type Rewrite struct {
	AccountID int64
	Fields    []models.IDField
	Match     string
	Replace   string
}

// Validate checks the rewrite before it touches storage.
func (rw Rewrite) Validate() error {
	if rw.AccountID == 0 {
		return apperrors.New(apperrors.ErrInvalid, "rewrite: account id is required")
	}
	if rw.Match == "" || rw.Replace == "" {
		return apperrors.New(apperrors.ErrInvalid, "rewrite: match and replace must be non-empty")
	}
	if rw.Match == rw.Replace {
		return apperrors.Newf(apperrors.ErrInvalid, "rewrite: match and replace are both %q", rw.Match)
	}
	for _, f := range rw.Fields {
		if !f.Valid() {
			return apperrors.Newf(apperrors.ErrInvalid, "rewrite: %q is not an identifier field", f)
		}
	}
	return nil
}

func (rw Rewrite) fields() []models.IDField {
	if len(rw.Fields) == 0 {
		return models.IDFields
	}
	return rw.Fields
}

// FailureHook runs inside the transaction that hard-failed m, so the
// caller can apply its policy to m's successors atomically.
type FailureHook func(ctx context.Context, m *models.PendingMutation) error

// Engine applies rewrites and server-side deletes.
type Engine struct {
	store   *db.Store
	table   *db.Table[models.PendingMutation, *models.PendingMutation]
	bus     *status.Bus
	log     *logging.Logger
	metrics telemetry.Metrics
	onFail  FailureHook
}

// NewEngine creates an Engine. bus may be nil when nobody listens.
func NewEngine(store *db.Store, bus *status.Bus) *Engine {
	return &Engine{
		store:   store,
		table:   db.NewTable[models.PendingMutation](store),
		bus:     bus,
		log:     logging.Get().With(map[string]interface{}{"component": "conflict"}),
		metrics: store.Metrics(),
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(log *logging.Logger) {
	e.log = log.With(map[string]interface{}{"component": "conflict"})
}

// OnFailure registers the hook run for every mutation ServerDeleted fails.
func (e *Engine) OnFailure(hook FailureHook) {
	e.onFail = hook
}

// =====================================================
// Rewrites
// =====================================================

// Apply performs one rewrite and returns the number of field values
// replaced. Applying the same rewrite again replaces nothing.
func (e *Engine) Apply(ctx context.Context, rw Rewrite) (int, error) {
	return e.ApplyAll(ctx, []Rewrite{rw})
}

// ApplyAll performs several rewrites in one transaction, in order. If the
// caller is already inside a transaction the rewrites join it.
func (e *Engine) ApplyAll(ctx context.Context, rws []Rewrite) (int, error) {
	for _, rw := range rws {
		if err := rw.Validate(); err != nil {
			return 0, err
		}
	}

	total := 0
	err := e.store.InTransaction(ctx, func(ctx context.Context) error {
		total = 0
		for _, rw := range rws {
			n, err := e.apply(ctx, rw)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (e *Engine) apply(ctx context.Context, rw Rewrite) (int, error) {
	now := e.store.Now().UTC().UnixMilli()
	total := 0

	for _, f := range rw.fields() {
		// f is whitelisted by Validate, so it is safe to splice in.
		query := fmt.Sprintf(`UPDATE pending_mutations
			SET %[1]s = ?, row_version = row_version + 1, last_modified = ?
			WHERE account_id = ? AND %[1]s = ? AND state != ?`, f)

		res, err := e.store.Exec(ctx, query, rw.Replace, now, rw.AccountID, rw.Match, string(models.StateDispatched))
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "rewrite "+string(f), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "rewrite "+string(f), err)
		}
		total += int(n)
	}

	if total > 0 {
		e.log.Info("rewrote provisional identifier", map[string]interface{}{
			"account_id": rw.AccountID,
			"match":      rw.Match,
			"replace":    rw.Replace,
			"fields":     joinFields(rw.fields()),
			"rows":       total,
		})
	}
	return total, nil
}

func joinFields(fields []models.IDField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

// =====================================================
// Server-side deletes
// =====================================================

// ServerDeleted hard-fails every undispatched mutation of the account that
// acts on serverID (missing_on_server) or moves something into it
// (invalid_dest). It returns the mutations it failed.
func (e *Engine) ServerDeleted(ctx context.Context, accountID int64, serverID string) ([]*models.PendingMutation, error) {
	if accountID == 0 || serverID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "server delete: account id and server id are required")
	}

	var failed []*models.PendingMutation
	err := e.store.InTransaction(ctx, func(ctx context.Context) error {
		failed = nil
		rows, err := e.table.Query(ctx,
			"account_id = ? AND (target_id = ? OR parent_id = ? OR dest_parent_id = ?) AND state NOT IN (?, ?) ORDER BY id",
			accountID, serverID, serverID, serverID, string(models.StateDispatched), string(models.StateFailed))
		if err != nil {
			return err
		}

		for _, m := range rows {
			why := models.WhyMissingOnServer
			if m.TargetID != serverID {
				why = models.WhyInvalidDest
			}
			from := m.State

			got, n, err := e.table.UpdateWithOCApply(ctx, m, func(m *models.PendingMutation) bool {
				if m.State == models.StateDispatched || m.State == models.StateFailed {
					return false
				}
				m.State = models.StateFailed
				m.ResultKind = models.ResultHardFail
				m.ResultWhy = why
				m.LastError = "server object " + serverID + " was deleted"
				return true
			})
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			if e.onFail != nil {
				if err := e.onFail(ctx, got); err != nil {
					return err
				}
			}
			e.metrics.IncTransition(string(got.Operation), string(from), string(models.StateFailed))
			failed = append(failed, got)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range failed {
		e.log.Warn("mutation failed, server object deleted", map[string]interface{}{
			"account_id": m.AccountID,
			"token":      m.Token,
			"operation":  string(m.Operation),
			"server_id":  serverID,
		})
		if e.bus != nil {
			e.bus.Publish(status.Notification{
				Token:     m.Token,
				AccountID: m.AccountID,
				Operation: m.Operation,
				Kind:      models.ResultHardFail,
				Why:       m.ResultWhy,
			})
		}
	}
	return failed, nil
}
