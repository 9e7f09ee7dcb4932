// Package scheduler runs one dispatch loop per account: it claims eligible
// mutations, hands them to the protocol executor and re-arms deferred work
// when sync cycles complete or deadlines pass.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/pendingsync/internal/config"
	"github.com/kimhsiao/pendingsync/internal/db"
	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/models"
	"github.com/kimhsiao/pendingsync/internal/sync/queue"
)

// Executor performs a claimed mutation against the server and reports the
// outcome through the handle. If it returns without resolving the handle,
// the scheduler defers the mutation until the next incremental sync.
type Executor interface {
	Execute(ctx context.Context, h *queue.Handle) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, h *queue.Handle) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, h *queue.Handle) error {
	return f(ctx, h)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	TickInterval      time.Duration // how often timed deferrals are checked
	WorkersPerAccount int
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:      30 * time.Second,
		WorkersPerAccount: 1,
	}
}

// ConfigFrom maps the scheduler section of the application config.
func ConfigFrom(c config.SchedulerConfig) *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:      c.TickInterval,
		WorkersPerAccount: c.WorkersPerAccount,
	}
}

type account struct {
	id     int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Scheduler manages the per-account dispatch loops.
type Scheduler struct {
	store  *db.Store
	queue  *queue.Queue
	exec   Executor
	config SchedulerConfig
	log    *logging.Logger

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	accounts  map[int64]*account
	isRunning bool
	isOnline  atomic.Bool
	kick      chan struct{}
	wg        sync.WaitGroup

	dispatched atomic.Int64
	failures   atomic.Int64
}

// NewScheduler creates a new Scheduler.
func NewScheduler(store *db.Store, q *queue.Queue, exec Executor, cfg *SchedulerConfig) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	c := *cfg
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultSchedulerConfig().TickInterval
	}
	if c.WorkersPerAccount <= 0 {
		c.WorkersPerAccount = 1
	}

	s := &Scheduler{
		store:    store,
		queue:    q,
		exec:     exec,
		config:   c,
		log:      logging.Get().With(map[string]interface{}{"component": "scheduler"}),
		accounts: make(map[int64]*account),
		kick:     make(chan struct{}),
	}
	s.isOnline.Store(true)
	return s
}

// SetLogger replaces the scheduler's logger.
func (s *Scheduler) SetLogger(log *logging.Logger) {
	s.log = log.With(map[string]interface{}{"component": "scheduler"})
}

// Start recovers mutations a previous process left dispatched, then starts
// the deadline ticker. Accounts added before Start begin dispatching now.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	if _, err := s.queue.RecoverDispatched(ctx); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true

	s.wg.Add(1)
	go s.tickLoop(s.ctx)

	for _, acct := range s.accounts {
		s.startAccount(acct)
	}

	s.log.Info("dispatch scheduler started", map[string]interface{}{
		"accounts":            len(s.accounts),
		"workers_per_account": s.config.WorkersPerAccount,
	})
	return nil
}

// Stop stops every loop and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.cancel()
	accounts := make([]*account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		accounts = append(accounts, acct)
	}
	s.mu.Unlock()

	for _, acct := range accounts {
		acct.wg.Wait()
	}
	s.wg.Wait()

	s.log.Info("dispatch scheduler stopped", nil)
}

// AddAccount registers an account. Its workers start now if the scheduler
// is running, otherwise on Start.
func (s *Scheduler) AddAccount(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; ok {
		return
	}
	acct := &account{id: accountID}
	s.accounts[accountID] = acct
	if s.isRunning {
		s.startAccount(acct)
	}
}

// RemoveAccount stops an account's workers and waits for them.
func (s *Scheduler) RemoveAccount(accountID int64) {
	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	delete(s.accounts, accountID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if acct.cancel != nil {
		acct.cancel()
	}
	acct.wg.Wait()
}

// startAccount must be called with s.mu held.
func (s *Scheduler) startAccount(acct *account) {
	ctx, cancel := context.WithCancel(s.ctx)
	acct.cancel = cancel
	for n := 0; n < s.config.WorkersPerAccount; n++ {
		acct.wg.Add(1)
		go s.worker(ctx, acct, n)
	}
}

// SetOnlineStatus pauses or resumes dispatching. Offline workers keep
// their state and claim nothing.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	was := s.isOnline.Swap(isOnline)
	if was == isOnline {
		return
	}
	s.log.Info("online status changed", map[string]interface{}{
		"was_online": was,
		"is_online":  isOnline,
	})
	if isOnline {
		s.Kick()
	}
}

// IsOnline returns whether the scheduler dispatches.
func (s *Scheduler) IsOnline() bool {
	return s.isOnline.Load()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Kick wakes every worker to look for work.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.kick)
	s.kick = make(chan struct{})
}

func (s *Scheduler) kicked() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kick
}

// SyncCompleted releases the account's mutations that were deferred until
// a sync cycle. A full sync releases everything an incremental sync would.
func (s *Scheduler) SyncCompleted(ctx context.Context, accountID int64, full bool) (int, error) {
	event := models.DeferIncrementalSync
	if full {
		event = models.DeferFullSync
	}
	return s.queue.ReleaseDeferred(ctx, accountID, event, s.store.Now())
}

// =====================================================
// Loops
// =====================================================

// tickLoop releases timed deferrals whose deadline has passed. It never
// releases work waiting on a sync cycle.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.releaseDue(ctx)
			// Workers that stopped on a storage error retry on the tick.
			s.Kick()
		}
	}
}

func (s *Scheduler) releaseDue(ctx context.Context) {
	for _, id := range s.accountIDs() {
		if _, err := s.queue.ReleaseDeferred(ctx, id, models.DeferUntilTime, s.store.Now()); err != nil && ctx.Err() == nil {
			s.log.Error("failed to release timed deferrals", err, map[string]interface{}{"account_id": id})
		}
	}
}

func (s *Scheduler) accountIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// worker owns one storage session for its lifetime and dispatches the
// account's mutations one at a time.
func (s *Scheduler) worker(ctx context.Context, acct *account, n int) {
	defer acct.wg.Done()

	name := fmt.Sprintf("account-%d-worker-%d", acct.id, n)
	ctx = s.store.Bind(ctx, name)
	defer s.store.Release(name)

	for {
		// Take the wake-up channels before looking for work so a
		// mutation made eligible in between is not missed.
		ready := s.queue.Ready()
		kick := s.kicked()

		if s.IsOnline() {
			s.drain(ctx, acct.id)
		}

		select {
		case <-ctx.Done():
			return
		case <-ready:
		case <-kick:
		}
	}
}

// drain dispatches until nothing is claimable.
func (s *Scheduler) drain(ctx context.Context, accountID int64) {
	for ctx.Err() == nil && s.IsOnline() {
		h, err := s.queue.Claim(ctx, accountID)
		if apperrors.Is(err, apperrors.ErrInvariant) {
			s.failures.Add(1)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("failed to claim mutation", err, map[string]interface{}{"account_id": accountID})
			}
			return
		}
		if h == nil {
			return
		}
		s.dispatch(ctx, h)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, h *queue.Handle) {
	s.dispatched.Add(1)
	m := h.Mutation()
	fields := map[string]interface{}{
		"account_id": m.AccountID,
		"token":      m.Token,
		"operation":  string(m.Operation),
	}

	err := s.exec.Execute(ctx, h)
	if h.Resolved() {
		if err != nil {
			s.log.Warn("executor reported an error after resolving", fields)
		}
		return
	}

	s.failures.Add(1)
	if err != nil {
		s.log.Error("mutation execution failed", err, fields)
	} else {
		s.log.Warn("executor returned without resolving", fields)
	}

	// Detach from cancellation so a stopping scheduler still records the
	// outcome instead of leaving the row dispatched.
	rctx := context.WithoutCancel(ctx)
	if _, rerr := h.ResolveAsDeferred(rctx, models.DeferIncrementalSync, time.Time{}, models.WhyProtocolError); rerr != nil {
		s.log.Error("failed to defer unresolved mutation", rerr, fields)
	}
}

// =====================================================
// Status
// =====================================================

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning  bool
	IsOnline   bool
	Accounts   []int64
	Dispatched int64
	Failures   int64 // executions left unresolved or rejected by consistency checks
	QueueStats queue.Stats
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	st := SchedulerStatus{
		IsRunning:  s.IsRunning(),
		IsOnline:   s.IsOnline(),
		Accounts:   s.accountIDs(),
		Dispatched: s.dispatched.Load(),
		Failures:   s.failures.Load(),
	}
	stats, err := s.queue.Stats(ctx, 0)
	if err != nil {
		return st, err
	}
	st.QueueStats = stats
	return st, nil
}
