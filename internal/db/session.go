package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/telemetry"
)

// Session is one worker's view of the store: a lazily opened connection,
// its prepared statements, and the nesting depth of its transaction scope.
// A session belongs to a single goroutine at a time.
type Session struct {
	name  string
	store *Store

	conn  *sql.Conn
	stmts *lru.Cache[string, *sql.Stmt]

	tx          *sql.Tx
	txStmts     map[string]*sql.Stmt
	depth       atomic.Int32
	innerErr    error
	afterCommit []func()
}

func newSession(store *Store, name string) *Session {
	// NewWithEvict only fails for a non-positive size, which withDefaults rules out.
	stmts, _ := lru.NewWithEvict[string, *sql.Stmt](store.opts.StmtCacheSize, func(_ string, st *sql.Stmt) {
		st.Close()
	})
	return &Session{name: name, store: store, stmts: stmts}
}

// Name returns the worker name the session was bound under.
func (sess *Session) Name() string {
	return sess.name
}

// Depth returns the current transaction nesting depth; 0 outside a
// transaction.
func (sess *Session) Depth() int {
	return int(sess.depth.Load())
}

// Close drops cached statements and returns the connection to the pool.
func (sess *Session) Close() {
	if sess.tx != nil {
		sess.tx.Rollback()
		sess.tx = nil
	}
	sess.stmts.Purge()
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
}

func (sess *Session) inTx() bool {
	return sess.depth.Load() > 0
}

func (sess *Session) connect(ctx context.Context) (*sql.Conn, error) {
	if sess.conn != nil {
		return sess.conn, nil
	}
	conn, err := sess.store.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	sess.conn = conn
	return conn, nil
}

// =====================================================
// Transactions
// =====================================================

func (sess *Session) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if sess.depth.Load() > 0 {
		sess.depth.Add(1)
		defer sess.depth.Add(-1)

		err := fn(ctx)
		if err != nil && sess.innerErr == nil {
			sess.innerErr = err
		}
		return err
	}

	store := sess.store
	if !isForeground(ctx) {
		if err := store.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var last Outcome
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		outcome, err := sess.attempt(ctx, fn)
		last = outcome
		switch outcome {
		case OutcomeCommitted:
			return nil
		case OutcomeBusy:
			store.metrics.IncBusyRetry("transaction")
			store.log.Debug("transaction busy, retrying", map[string]interface{}{
				"session": sess.name,
				"attempt": attempts,
			})
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(store.newBackOff(), ctx))

	if err != nil && last == OutcomeBusy {
		store.log.Warn("transaction busy past deadline", map[string]interface{}{
			"session":  sess.name,
			"attempts": attempts,
			"deadline": store.opts.TxDeadline.String(),
		})
		return apperrors.Wrap(apperrors.ErrBusyTimeout, "transaction busy past deadline", err)
	}
	return err
}

// attempt runs one physical transaction. Only the outermost scope calls it.
func (sess *Session) attempt(ctx context.Context, fn func(ctx context.Context) error) (outcome Outcome, err error) {
	store := sess.store
	start := time.Now()
	label := telemetry.OutcomeFatal
	defer func() {
		store.metrics.ObserveTransaction(label, time.Since(start))
	}()

	conn, err := sess.connect(ctx)
	if err != nil {
		return classify(err), err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		if outcome = classify(err); outcome == OutcomeBusy {
			label = telemetry.OutcomeBusy
		}
		return outcome, err
	}

	sess.tx = tx
	sess.txStmts = make(map[string]*sql.Stmt)
	sess.innerErr = nil
	sess.afterCommit = nil
	sess.depth.Store(1)

	finished := false
	defer func() {
		sess.depth.Store(0)
		sess.tx = nil
		sess.txStmts = nil
		if !finished {
			tx.Rollback()
			sess.afterCommit = nil
			label = telemetry.OutcomeRollback
			if r := recover(); r != nil {
				panic(r)
			}
		}
	}()

	ferr := fn(ctx)
	if ferr == nil && sess.innerErr != nil {
		if IsBusy(sess.innerErr) {
			ferr = sess.innerErr
		} else {
			ferr = apperrors.Wrap(apperrors.ErrRolledBack, "nested transaction scope failed", sess.innerErr)
		}
	}
	if ferr != nil {
		finished = true
		tx.Rollback()
		sess.afterCommit = nil
		if outcome = classify(ferr); outcome == OutcomeBusy {
			label = telemetry.OutcomeBusy
		} else {
			label = telemetry.OutcomeRollback
		}
		return outcome, ferr
	}

	finished = true
	if err := tx.Commit(); err != nil {
		sess.afterCommit = nil
		if outcome = classify(err); outcome == OutcomeBusy {
			label = telemetry.OutcomeBusy
		}
		return outcome, err
	}
	label = telemetry.OutcomeCommitted

	callbacks := sess.afterCommit
	sess.afterCommit = nil
	for _, f := range callbacks {
		f()
	}
	return OutcomeCommitted, nil
}

// =====================================================
// Statements
// =====================================================

// stmt returns a prepared statement for query. Inside a transaction the
// statement is prepared on the transaction and lives until it ends;
// outside, it is cached on the connection.
func (sess *Session) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if sess.tx != nil {
		if st, ok := sess.txStmts[query]; ok {
			return st, nil
		}
		st, err := sess.tx.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		sess.txStmts[query] = st
		return st, nil
	}

	if st, ok := sess.stmts.Get(query); ok {
		return st, nil
	}
	conn, err := sess.connect(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	sess.stmts.Add(query, st)
	return st, nil
}

func (sess *Session) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	st, err := sess.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return st.ExecContext(ctx, args...)
}

func (sess *Session) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	st, err := sess.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return st.QueryContext(ctx, args...)
}

func (sess *Session) scan(ctx context.Context, query string, args []interface{}, dest []interface{}) error {
	st, err := sess.stmt(ctx, query)
	if err != nil {
		return err
	}
	return st.QueryRowContext(ctx, args...).Scan(dest...)
}
