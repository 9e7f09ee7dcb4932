// Package db provides the SQLite store: per-worker sessions, collapsed
// nested transactions with busy retry, a write-rate limiter, generic
// tables and optimistic concurrency.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/telemetry"
)

// DefaultFileName is the database file created inside the data directory.
const DefaultFileName = "pendingsync.db"

// Options configures a Store. Zero values fall back to the defaults noted
// on each field.
type Options struct {
	DataDir  string
	FileName string // default DefaultFileName

	// BusyTimeout is how long the driver itself waits on a lock before
	// reporting SQLITE_BUSY. Default 1s.
	BusyTimeout time.Duration

	// TxDeadline bounds the wall-clock time spent retrying a busy
	// transaction or statement. Default 5s.
	TxDeadline time.Duration

	// MaxOpenConns caps pooled connections. Every bound session pins one
	// connection, so the cap must exceed the number of workers. 0 means
	// unlimited.
	MaxOpenConns int

	// StmtCacheSize is the per-session prepared statement cache. Default 64.
	StmtCacheSize int

	// OCCAttempts bounds UpdateWithOCApply. Default 100.
	OCCAttempts int

	// OCCBusyPause is the pause before retrying after a busy write in
	// UpdateWithOCApply. Default 100ms.
	OCCBusyPause time.Duration

	RateLimitEnabled bool
	RateLimitTokens  int           // default 16
	RateLimitRefill  time.Duration // default 250ms

	Metrics telemetry.Metrics
	Logger  *logging.Logger
	Now     func() time.Time
}

func (o *Options) withDefaults() {
	if o.FileName == "" {
		o.FileName = DefaultFileName
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = time.Second
	}
	if o.TxDeadline <= 0 {
		o.TxDeadline = 5 * time.Second
	}
	if o.StmtCacheSize <= 0 {
		o.StmtCacheSize = 64
	}
	if o.OCCAttempts <= 0 {
		o.OCCAttempts = 100
	}
	if o.OCCBusyPause <= 0 {
		o.OCCBusyPause = 100 * time.Millisecond
	}
	if o.RateLimitTokens <= 0 {
		o.RateLimitTokens = 16
	}
	if o.RateLimitRefill <= 0 {
		o.RateLimitRefill = 250 * time.Millisecond
	}
	o.Metrics = telemetry.OrNop(o.Metrics)
	if o.Logger == nil {
		o.Logger = logging.Get()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store owns the connection pool and every session bound to it. It is
// constructed once at startup and passed to the components that need it.
type Store struct {
	db      *sql.DB
	path    string
	opts    Options
	limiter *RateLimiter
	metrics telemetry.Metrics
	log     *logging.Logger

	sessions      sync.Map // map[string]*Session
	schemaVersion int
	closed        atomic.Bool
}

// Open opens (creating if needed) the database in opts.DataDir and applies
// pending migrations.
// The database is opened with:
// - WAL mode so readers do not block the writer
// - immediate transactions so lock upgrades cannot deadlock
// - foreign key constraints enabled
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts.withDefaults()

	if opts.DataDir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "data directory is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create data directory", err)
	}

	path := filepath.Join(opts.DataDir, opts.FileName)
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to connect to database", err)
	}

	s := &Store{
		db:      sqlDB,
		path:    path,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimitTokens, opts.RateLimitRefill),
		metrics: opts.Metrics,
		log:     opts.Logger.With(map[string]interface{}{"component": "store"}),
	}
	s.limiter.SetEnabled(opts.RateLimitEnabled)

	migrator := NewMigrator(sqlDB, Migrations())
	if err := migrator.Up(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	version, err := migrator.CurrentVersion(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	s.schemaVersion = version

	s.log.Debug("store opened", map[string]interface{}{"path": path, "schema_version": version})
	return s, nil
}

// Close releases every session and closes the pool.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sessions.Range(func(key, value interface{}) bool {
		value.(*Session).Close()
		s.sessions.Delete(key)
		return true
	})
	return s.db.Close()
}

// DB exposes the underlying pool for migrations and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion returns the migration generation new records are tagged with.
func (s *Store) SchemaVersion() int {
	return s.schemaVersion
}

// RateLimiter returns the global write-rate limiter.
func (s *Store) RateLimiter() *RateLimiter {
	return s.limiter
}

// Metrics returns the injected metrics sink.
func (s *Store) Metrics() telemetry.Metrics {
	return s.metrics
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.opts.Now()
}

// =====================================================
// Sessions
// =====================================================

type sessionKey struct{}
type foregroundKey struct{}

// Bind returns a context carrying the named worker's session, creating the
// session on first use. A worker binds once and passes the context to every
// store call it makes; the session pins one connection for its lifetime.
// A session must not be used by two goroutines at once.
func (s *Store) Bind(ctx context.Context, worker string) context.Context {
	v, ok := s.sessions.Load(worker)
	if !ok {
		v, _ = s.sessions.LoadOrStore(worker, newSession(s, worker))
	}
	return context.WithValue(ctx, sessionKey{}, v.(*Session))
}

// Release closes the named worker's session, returning its connection to
// the pool.
func (s *Store) Release(worker string) {
	if v, ok := s.sessions.LoadAndDelete(worker); ok {
		v.(*Session).Close()
	}
}

// SessionFrom returns the session bound to ctx, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok
}

// WithForeground marks ctx as interactive work that bypasses the write-rate
// limiter.
func WithForeground(ctx context.Context) context.Context {
	return context.WithValue(ctx, foregroundKey{}, true)
}

func isForeground(ctx context.Context) bool {
	fg, _ := ctx.Value(foregroundKey{}).(bool)
	return fg
}

// inTransaction reports whether ctx is inside an open transaction scope.
func (s *Store) inTransaction(ctx context.Context) bool {
	sess, ok := SessionFrom(ctx)
	return ok && sess.inTx()
}

// InTransaction runs fn inside a transaction scope on the session bound to
// ctx, or on a temporary session when none is bound. Nested calls on the
// same session join the outermost scope: only the outermost call begins
// and commits, and an error at any level rolls back the whole scope. A
// busy outermost attempt is retried until the transaction deadline.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, ok := SessionFrom(ctx)
	if !ok {
		sess = newSession(s, "ephemeral")
		defer sess.Close()
		ctx = context.WithValue(ctx, sessionKey{}, sess)
	}
	return sess.inTransaction(ctx, fn)
}

// AfterCommit schedules f to run once the outermost transaction commits.
// It is dropped if the scope rolls back and reset when a busy attempt is
// retried. Outside a transaction f runs immediately.
func (s *Store) AfterCommit(ctx context.Context, f func()) {
	if sess, ok := SessionFrom(ctx); ok && sess.inTx() {
		sess.afterCommit = append(sess.afterCommit, f)
		return
	}
	f()
}

// =====================================================
// Statements
// =====================================================

// Exec runs a write. Inside a transaction it joins the transaction and a
// busy error propagates to the transaction's retry loop. Outside, it takes
// a rate-limiter token (unless foreground) and retries busy errors until
// the deadline.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	sess, bound := SessionFrom(ctx)
	if bound && sess.inTx() {
		return sess.exec(ctx, query, args...)
	}
	if !isForeground(ctx) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var res sql.Result
	err := s.busyProtect(ctx, "statement", func() error {
		var err error
		if bound {
			res, err = sess.exec(ctx, query, args...)
		} else {
			res, err = s.db.ExecContext(ctx, query, args...)
		}
		return err
	})
	return res, err
}

// Query runs a read returning rows. The caller must close the rows.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	sess, bound := SessionFrom(ctx)
	if bound && sess.inTx() {
		return sess.query(ctx, query, args...)
	}

	var rows *sql.Rows
	err := s.busyProtect(ctx, "statement", func() error {
		var err error
		if bound {
			rows, err = sess.query(ctx, query, args...)
		} else {
			rows, err = s.db.QueryContext(ctx, query, args...)
		}
		return err
	})
	return rows, err
}

// ScanRow runs a single-row read into dest. It returns sql.ErrNoRows
// unchanged when nothing matches.
func (s *Store) ScanRow(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	return s.scanRow(ctx, false, query, args, dest)
}

// scanRow runs a single-row statement. write selects the rate-limited path
// for UPDATE ... RETURNING statements.
func (s *Store) scanRow(ctx context.Context, write bool, query string, args []interface{}, dest []interface{}) error {
	sess, bound := SessionFrom(ctx)
	if bound && sess.inTx() {
		return sess.scan(ctx, query, args, dest)
	}
	if write && !isForeground(ctx) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return s.busyProtect(ctx, "statement", func() error {
		if bound {
			return sess.scan(ctx, query, args, dest)
		}
		return s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}

// busyProtect retries op while it reports busy, until the transaction
// deadline elapses. Any other error is returned at once.
func (s *Store) busyProtect(ctx context.Context, site string, op func() error) error {
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsBusy(err) {
			s.metrics.IncBusyRetry(site)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(s.newBackOff(), ctx))

	if err != nil && IsBusy(err) {
		s.log.Warn("storage busy past deadline", map[string]interface{}{
			"site":     site,
			"deadline": s.opts.TxDeadline.String(),
		})
		return apperrors.Wrap(apperrors.ErrBusyTimeout, "storage busy past deadline", err)
	}
	return err
}

// newBackOff returns a schedule bounded by wall-clock time rather than by
// attempt count.
func (s *Store) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = s.opts.TxDeadline
	b.Reset()
	return b
}
