package queue

import (
	"context"
	"slices"
	"strings"

	"github.com/kimhsiao/pendingsync/internal/config"
	"github.com/kimhsiao/pendingsync/internal/models"
)

// findPredecessor returns the queued create, older than m, whose
// provisional id m references. excludeID skips one row. Failed creates are
// considered only when includeFailed is set: under PolicyCascade a failed
// one wins over a live one, otherwise a live one wins. The newest wins
// among equals.
func (q *Queue) findPredecessor(ctx context.Context, m *models.PendingMutation, excludeID int64, includeFailed bool) (*models.PendingMutation, error) {
	refs := m.References()
	if len(refs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := make([]interface{}, 0, len(refs)+3)
	b.WriteString("account_id = ? AND client_id IN (")
	args = append(args, m.AccountID)
	for i, ref := range refs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, ref)
	}
	b.WriteString(") AND id != ?")
	args = append(args, excludeID)
	if m.ID != 0 {
		b.WriteString(" AND id < ?")
		args = append(args, m.ID)
	}
	switch {
	case !includeFailed:
		b.WriteString(" AND state != 'failed' ORDER BY id DESC LIMIT 1")
	case q.cfg.FailurePolicy == config.PolicyCascade:
		b.WriteString(" ORDER BY (state = 'failed') DESC, id DESC LIMIT 1")
	default:
		b.WriteString(" ORDER BY (state = 'failed'), id DESC LIMIT 1")
	}

	rows, err := q.table.Query(ctx, b.String(), args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// QuerySuccessors returns the mutations waiting on predecessorID, oldest first.
func (q *Queue) QuerySuccessors(ctx context.Context, predecessorID int64) ([]*models.PendingMutation, error) {
	return q.table.Query(ctx, "predecessor_id = ? AND state = 'pred_blocked' ORDER BY id", predecessorID)
}

// QueryPredecessor returns the mutation the given one waits on, or
// NOT_FOUND when it waits on nothing.
func (q *Queue) QueryPredecessor(ctx context.Context, id int64) (*models.PendingMutation, error) {
	m, err := q.table.QueryByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.table.QueryByID(ctx, m.PredecessorID)
}

// waitingOn returns the blocked mutations that depend on p: those pointing
// at it and those still referencing its provisional id while they wait on
// another create.
func (q *Queue) waitingOn(ctx context.Context, p *models.PendingMutation) ([]*models.PendingMutation, error) {
	where := "account_id = ? AND state = 'pred_blocked' AND id != ? AND (predecessor_id = ?"
	args := []interface{}{p.AccountID, p.ID, p.ID}
	if p.ClientID != "" {
		where += " OR target_id = ? OR parent_id = ? OR dest_parent_id = ?"
		args = append(args, p.ClientID, p.ClientID, p.ClientID)
	}
	return q.table.Query(ctx, where+") ORDER BY id", args...)
}

// releaseSuccessors runs inside the transaction that resolves p
// successfully, before p is removed. Each successor becomes eligible, or
// waits on the next create it still references. A successor that still
// references a failed create is held behind it, or failed under
// PolicyCascade.
func (q *Queue) releaseSuccessors(ctx context.Context, p *models.PendingMutation) error {
	successors, err := q.QuerySuccessors(ctx, p.ID)
	if err != nil {
		return err
	}

	for _, s := range successors {
		next, err := q.findPredecessor(ctx, s, p.ID, true)
		if err != nil {
			return err
		}
		if q.cascades(next) {
			if err := q.failSuccessor(ctx, s, next); err != nil {
				return err
			}
			continue
		}

		got, n, err := q.transition(ctx, s, func(s *models.PendingMutation) bool {
			if s.State != models.StatePredBlocked || s.PredecessorID != p.ID {
				return false
			}
			if next != nil {
				s.PredecessorID = next.ID
				return true
			}
			s.State = models.StateEligible
			s.PredecessorID = 0
			return true
		})
		if err != nil {
			return err
		}
		if n == 1 {
			q.log.Debug("successor released", q.fields(got, map[string]interface{}{"predecessor": p.Token}))
		}
	}
	return nil
}

// cascades reports whether a successor found waiting on next must fail.
func (q *Queue) cascades(next *models.PendingMutation) bool {
	return next != nil && next.State == models.StateFailed && q.cfg.FailurePolicy == config.PolicyCascade
}

// predecessorFailed applies the failure policy to the mutations waiting on
// a create that just failed. Under PolicyHold they keep waiting until the
// user unblocks or cancels them; under PolicyCascade they fail too, and so
// on down the chain.
func (q *Queue) predecessorFailed(ctx context.Context, p *models.PendingMutation) error {
	waiting, err := q.waitingOn(ctx, p)
	if err != nil || len(waiting) == 0 {
		return err
	}

	if q.cfg.FailurePolicy != config.PolicyCascade {
		q.log.Warn("successors held behind failed mutation", q.fields(p, map[string]interface{}{
			"successors": len(waiting),
		}))
		return nil
	}

	for _, s := range waiting {
		if err := q.failSuccessor(ctx, s, p); err != nil {
			return err
		}
	}
	return nil
}

// failSuccessor fails a blocked mutation because p failed, then cascades
// to whatever waits on it.
func (q *Queue) failSuccessor(ctx context.Context, s, p *models.PendingMutation) error {
	got, n, err := q.transition(ctx, s, func(s *models.PendingMutation) bool {
		if s.State != models.StatePredBlocked {
			return false
		}
		s.State = models.StateFailed
		s.PredecessorID = p.ID
		s.ResultKind = models.ResultHardFail
		s.ResultWhy = models.WhyPredecessorFailed
		s.LastError = "predecessor " + p.Token + " failed"
		return true
	})
	if err != nil || n == 0 {
		return err
	}
	q.publish(ctx, got, models.ResultHardFail, models.WhyPredecessorFailed)
	return q.predecessorFailed(ctx, got)
}

// orphaned reports whether removing p leaves s referencing a provisional
// id that no queued create will resolve.
func (q *Queue) orphaned(ctx context.Context, s, p *models.PendingMutation) (bool, error) {
	if p.ClientID == "" || !slices.Contains(s.References(), p.ClientID) {
		return false, nil
	}
	rows, err := q.table.Query(ctx, "account_id = ? AND client_id = ? AND id != ? AND id < ? LIMIT 1",
		s.AccountID, p.ClientID, p.ID, s.ID)
	if err != nil {
		return false, err
	}
	return len(rows) == 0, nil
}

// predecessorRemoved runs before p is deleted by a cancel or dismiss. A
// mutation that still references p's provisional id becomes user-blocked,
// whichever create it was waiting on. A mutation waiting on p only by
// position waits on the next create it references instead, or fails with
// it under PolicyCascade.
func (q *Queue) predecessorRemoved(ctx context.Context, p *models.PendingMutation) error {
	waiting, err := q.waitingOn(ctx, p)
	if err != nil {
		return err
	}

	for _, s := range waiting {
		orphan, err := q.orphaned(ctx, s, p)
		if err != nil {
			return err
		}
		if !orphan && s.PredecessorID != p.ID {
			continue
		}

		var next *models.PendingMutation
		if !orphan {
			if next, err = q.findPredecessor(ctx, s, p.ID, true); err != nil {
				return err
			}
			if q.cascades(next) {
				if err := q.failSuccessor(ctx, s, next); err != nil {
					return err
				}
				continue
			}
		}

		got, n, err := q.transition(ctx, s, func(s *models.PendingMutation) bool {
			if s.State != models.StatePredBlocked {
				return false
			}
			if next != nil {
				s.PredecessorID = next.ID
				return true
			}
			s.State = models.StateUserBlocked
			s.PredecessorID = 0
			s.BlockReason = models.BlockPredecessorCancelled
			s.ResultKind = models.ResultUserBlocked
			s.ResultWhy = models.WhyPredecessorCancelled
			return true
		})
		if err != nil {
			return err
		}
		if n == 1 && got.State == models.StateUserBlocked {
			q.publish(ctx, got, models.ResultUserBlocked, models.WhyPredecessorCancelled)
		}
	}
	return nil
}
