// ABOUTME: Sync orchestrator reconciling the local store with the ERP backend
// ABOUTME: Runs single-flight passes that pull reference data and push queued sales

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/2389/kioskd/internal/remote"
	"github.com/2389/kioskd/internal/store"
)

// Defaults used when Options leaves a field zero
const (
	DefaultInterval       = 5 * time.Minute
	DefaultPassTimeout    = 30 * time.Second
	DefaultProbeInterval  = 30 * time.Second
	DefaultBackoffInitial = 10 * time.Second
	DefaultBackoffMax     = 30 * time.Minute
)

// sinceOverlap widens incremental pulls so changes committed on the backend
// while the previous pull was in flight are fetched again.
const sinceOverlap = time.Minute

// ErrNotConfigured means the device has no account to sync for
var ErrNotConfigured = errors.New("device not configured")

// Remote is the part of the backend client the orchestrator needs
type Remote interface {
	Health(ctx context.Context) error
	PullProducts(ctx context.Context, scope remote.Scope) (*remote.Page[remote.Product], error)
	PullCustomers(ctx context.Context, scope remote.Scope) (*remote.Page[remote.Customer], error)
	PullUsers(ctx context.Context, scope remote.Scope) (*remote.Page[remote.User], error)
	PullConfig(ctx context.Context, scope remote.Scope) (*remote.DeviceConfig, error)
	SubmitSale(ctx context.Context, req remote.SaleRequest) (int64, error)
	DeviceID() string
}

// Options tunes the orchestrator
type Options struct {
	Interval       time.Duration // periodic pass interval
	PassTimeout    time.Duration // bound on one full pass
	ProbeInterval  time.Duration // reachability probe interval
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxRetries     int // failed sales at this retry count are not requeued; 0 means no cap
	Clock          clock.Clock
	Logger         *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.PassTimeout <= 0 {
		o.PassTimeout = DefaultPassTimeout
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Result summarizes one pass
type Result struct {
	Skipped  bool           `json:"skipped"` // another pass was already running
	Pulled   map[string]int `json:"pulled"`
	Pushed   int            `json:"pushed"`
	Failed   int            `json:"failed"`
	Deferred int            `json:"deferred"` // queued sales still inside their backoff window
	Requeued int            `json:"requeued"`
	Errors   []string       `json:"errors,omitempty"`
}

// Status is the aggregate view reported to the UI
type Status struct {
	Online      bool       `json:"online"`
	Syncing     bool       `json:"syncing"`
	LastSyncAt  *time.Time `json:"last_sync_at"`
	QueuedCount int        `json:"queued_count"`
	Errors      []string   `json:"errors"`
}

// Syncer coordinates pulls and pushes between the store and the backend.
type Syncer struct {
	store  store.Store
	remote Remote
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	syncing atomic.Bool
	online  atomic.Bool

	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup

	mu         sync.RWMutex
	accountID  int64
	branchID   int64
	lastSyncAt *time.Time
	lastErrors []string
}

// New creates an orchestrator. It starts offline until the first probe or pass succeeds.
func New(st store.Store, rc Remote, opts Options) *Syncer {
	opts.applyDefaults()
	return &Syncer{
		store:  st,
		remote: rc,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "syncer"),
	}
}

// SetScope sets the account and branch that passes sync for
func (s *Syncer) SetScope(accountID, branchID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = accountID
	s.branchID = branchID
}

func (s *Syncer) scope() (int64, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID, s.branchID
}

// Online reports the last observed reachability of the backend
func (s *Syncer) Online() bool {
	return s.online.Load()
}

// setOnline records reachability and returns true on an offline to online transition.
func (s *Syncer) setOnline(online bool) bool {
	prev := s.online.Swap(online)
	if prev == online {
		return false
	}
	if online {
		s.logger.Info("backend reachable")
	} else {
		s.logger.Warn("backend unreachable, working offline")
	}
	return online
}

// observe updates reachability from the outcome of a backend call and
// returns true when the backend just came back.
func (s *Syncer) observe(err error) bool {
	// Any answer from the backend, even a refusal, means it is reachable.
	return s.setOnline(!remote.IsNetwork(err))
}

// Trigger runs one pass unless another is already running, in which case the
// trigger is discarded and the result is marked Skipped. force ignores retry backoff.
func (s *Syncer) Trigger(ctx context.Context, force bool) (*Result, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.logger.Debug("sync already running, trigger discarded")
		return &Result{Skipped: true}, nil
	}
	defer s.syncing.Store(false)

	return s.pass(ctx, force)
}

// TriggerAsync starts a pass in the background. It never blocks the caller.
// After Close it does nothing.
func (s *Syncer) TriggerAsync(force bool) {
	if s.syncing.Load() {
		return
	}
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		s.logger.Debug("syncer closed, background trigger dropped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Trigger(context.Background(), force); err != nil {
			s.logger.Warn("background sync failed", "error", err)
		}
	}()
}

// Wait blocks until background passes started by TriggerAsync have finished
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Close stops accepting background triggers and waits for the running ones.
func (s *Syncer) Close() {
	s.bgMu.Lock()
	s.closed = true
	s.bgMu.Unlock()
	s.wg.Wait()
}

// Run drives periodic passes and reachability probes until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("sync loop started", "interval", s.opts.Interval, "probe_interval", s.opts.ProbeInterval)
	s.Probe(ctx)

	syncTimer := s.clock.NewTimer(s.opts.Interval)
	defer syncTimer.Stop()
	probeTimer := s.clock.NewTimer(s.opts.ProbeInterval)
	defer probeTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("sync loop stopped")
			return ctx.Err()
		case <-syncTimer.Chan():
			if _, err := s.Trigger(ctx, false); err != nil {
				s.logger.Warn("periodic sync failed", "error", err)
			}
			syncTimer.Reset(s.opts.Interval)
		case <-probeTimer.Chan():
			s.Probe(ctx)
			probeTimer.Reset(s.opts.ProbeInterval)
		}
	}
}

// Probe checks backend reachability and reports it. An error answer from the
// backend still counts as reachable. Coming back online starts a pass.
func (s *Syncer) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PassTimeout)
	defer cancel()

	err := s.remote.Health(ctx)
	if s.observe(err) {
		s.TriggerAsync(false)
	}
	return s.Online()
}

// pass performs pull then push under the pass timeout.
// Storage failures abort the pass and are returned; remote failures are recorded.
func (s *Syncer) pass(ctx context.Context, force bool) (*Result, error) {
	accountID, branchID := s.scope()
	res := &Result{Pulled: map[string]int{}}
	if accountID == 0 {
		s.recordPass(res, []string{ErrNotConfigured.Error()}, false)
		return res, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PassTimeout)
	defer cancel()

	start := s.clock.Now()
	s.logger.Debug("sync pass started", "force", force)

	errs, err := s.pull(ctx, accountID, branchID, res)
	if err != nil {
		s.recordPass(res, append(errs, err.Error()), false)
		return res, err
	}

	if s.online.Load() {
		pushErrs, err := s.push(ctx, force, res)
		errs = append(errs, pushErrs...)
		if err != nil {
			s.recordPass(res, append(errs, err.Error()), false)
			return res, err
		}
	} else {
		s.logger.Info("backend unreachable, sales stay queued")
	}

	s.recordPass(res, errs, len(errs) == 0)
	s.logger.Info("sync pass finished",
		"duration", s.clock.Now().Sub(start),
		"pulled", res.Pulled, "pushed", res.Pushed, "failed", res.Failed,
		"deferred", res.Deferred, "errors", len(errs))
	return res, nil
}

func (s *Syncer) recordPass(res *Result, errs []string, ok bool) {
	res.Errors = errs
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrors = errs
	if ok {
		now := s.clock.Now().UTC()
		s.lastSyncAt = &now
	}
}

// pull fetches every entity type concurrently. Per-entity failures are recorded
// in sync metadata and returned as messages; a storage failure is returned as error.
func (s *Syncer) pull(ctx context.Context, accountID, branchID int64, res *Result) ([]string, error) {
	metadata, err := s.store.GetSyncMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading sync metadata: %w", err)
	}
	since := make(map[string]*time.Time, len(metadata))
	for _, md := range metadata {
		if md.LastSyncAt != nil && md.LastSyncStatus == store.SyncStatusSuccess {
			t := md.LastSyncAt.Add(-sinceOverlap)
			since[md.SyncType] = &t
		}
	}

	pulls := []struct {
		syncType string
		run      func(context.Context, remote.Scope) (int, error)
	}{
		{store.SyncTypeProducts, s.pullProducts},
		{store.SyncTypeCustomers, s.pullCustomers},
		{store.SyncTypeUsers, s.pullUsers},
		{store.SyncTypeConfig, s.pullConfig},
	}

	var (
		mu    sync.Mutex
		errs  []string
		fatal error
	)
	var g errgroup.Group
	for _, p := range pulls {
		g.Go(func() error {
			scope := remote.Scope{AccountID: accountID, BranchID: branchID, Since: since[p.syncType]}
			n, err := p.run(ctx, scope)

			// Bookkeeping must land even when the pass deadline expired mid-call.
			bookCtx := context.WithoutCancel(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var se storageError
				if errors.As(err, &se) {
					fatal = err
				}
				errs = append(errs, fmt.Sprintf("%s: %v", p.syncType, err))
				s.logger.Warn("pull failed", "type", p.syncType, "error", err)
				if mdErr := s.store.UpdateSyncMetadata(bookCtx, p.syncType, store.SyncStatusError, 0); mdErr != nil {
					s.logger.Error("recording pull failure", "type", p.syncType, "error", mdErr)
				}
				return err
			}
			res.Pulled[p.syncType] = n
			if mdErr := s.store.UpdateSyncMetadata(bookCtx, p.syncType, store.SyncStatusSuccess, n); mdErr != nil {
				fatal = mdErr
				return mdErr
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(errs)
	return errs, fatal
}

// storageError marks a local store failure inside a pull so it aborts the pass
type storageError struct{ error }

func (e storageError) Unwrap() error { return e.error }

func (s *Syncer) pullProducts(ctx context.Context, scope remote.Scope) (int, error) {
	page, err := s.remote.PullProducts(ctx, scope)
	s.observe(err)
	if err != nil {
		return 0, err
	}
	rows := make([]store.Product, len(page.Items))
	for i, p := range page.Items {
		rows[i] = p.ToStore()
	}
	if err := s.store.UpsertProducts(ctx, rows); err != nil {
		return 0, storageError{err}
	}
	if err := s.store.DeleteProducts(ctx, page.DeletedIDs); err != nil {
		return 0, storageError{err}
	}
	return len(rows), nil
}

func (s *Syncer) pullCustomers(ctx context.Context, scope remote.Scope) (int, error) {
	page, err := s.remote.PullCustomers(ctx, scope)
	s.observe(err)
	if err != nil {
		return 0, err
	}
	rows := make([]store.Customer, len(page.Items))
	for i, c := range page.Items {
		rows[i] = c.ToStore()
	}
	if err := s.store.UpsertCustomers(ctx, rows); err != nil {
		return 0, storageError{err}
	}
	if err := s.store.DeleteCustomers(ctx, page.DeletedIDs); err != nil {
		return 0, storageError{err}
	}
	return len(rows), nil
}

func (s *Syncer) pullUsers(ctx context.Context, scope remote.Scope) (int, error) {
	page, err := s.remote.PullUsers(ctx, scope)
	s.observe(err)
	if err != nil {
		return 0, err
	}
	rows := make([]store.User, len(page.Items))
	for i, u := range page.Items {
		rows[i] = u.ToStore()
	}
	if err := s.store.UpsertUsers(ctx, rows); err != nil {
		return 0, storageError{err}
	}
	if err := s.store.DeleteUsers(ctx, page.DeletedIDs); err != nil {
		return 0, storageError{err}
	}
	return len(rows), nil
}

func (s *Syncer) pullConfig(ctx context.Context, scope remote.Scope) (int, error) {
	cfg, err := s.remote.PullConfig(ctx, scope)
	s.observe(err)
	if err != nil {
		return 0, err
	}
	if cfg.Fiscal == nil {
		return 0, nil
	}
	fc := cfg.Fiscal.ToStore()
	if err := s.store.SaveFiscalConfig(ctx, &fc); err != nil {
		return 0, storageError{err}
	}
	return 1, nil
}

// push requeues failed sales under the retry cap and delivers queued sales oldest first.
// Per-sale failures are recorded on the row; only storage failures are returned.
func (s *Syncer) push(ctx context.Context, force bool, res *Result) ([]string, error) {
	requeued, err := s.store.RequeueFailedSales(ctx, s.opts.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("requeueing failed sales: %w", err)
	}
	res.Requeued = requeued

	sales, err := s.store.GetQueuedSales(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queued sales: %w", err)
	}

	deviceID := s.remote.DeviceID()
	now := s.clock.Now()
	var errs []string

	for _, sale := range sales {
		if ctx.Err() != nil {
			break
		}
		if !force && !s.due(sale, now) {
			res.Deferred++
			continue
		}

		serverID, err := s.remote.SubmitSale(ctx, remote.NewSaleRequest(sale, deviceID))
		s.observe(err)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Sprintf("sale %d: %v", sale.LocalID, err))
			if recErr := s.recordFailure(context.WithoutCancel(ctx), sale, err); recErr != nil {
				return errs, recErr
			}
			if remote.IsNetwork(err) {
				// The rest would fail the same way; leave them queued for the next pass.
				break
			}
			continue
		}

		if err := s.store.MarkSaleAsSynced(context.WithoutCancel(ctx), sale.LocalID, serverID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				s.logger.Error("backend returned a different id for a synced sale",
					"local_id", sale.LocalID, "server_sale_id", serverID, "error", err)
				errs = append(errs, fmt.Sprintf("sale %d: %v", sale.LocalID, err))
				continue
			}
			return errs, fmt.Errorf("marking sale %d synced: %w", sale.LocalID, err)
		}
		res.Pushed++
		s.logger.Debug("sale synced", "local_id", sale.LocalID, "server_sale_id", serverID)
	}

	return errs, nil
}

func (s *Syncer) recordFailure(ctx context.Context, sale *store.QueuedSale, cause error) error {
	s.logger.Warn("sale delivery failed",
		"local_id", sale.LocalID, "retry_count", sale.RetryCount, "error", cause)
	if err := s.store.MarkSaleAsFailed(ctx, sale.LocalID, remote.Describe(cause)); err != nil {
		return fmt.Errorf("marking sale %d failed: %w", sale.LocalID, err)
	}
	if err := s.store.UpdateSaleRetryCount(ctx, sale.LocalID); err != nil {
		return fmt.Errorf("counting retry for sale %d: %w", sale.LocalID, err)
	}
	return nil
}

// due reports whether a requeued sale's backoff window has passed
func (s *Syncer) due(sale *store.QueuedSale, now time.Time) bool {
	if sale.RetryCount == 0 || sale.SyncAttemptedAt == nil {
		return true
	}
	return !now.Before(sale.SyncAttemptedAt.Add(s.RetryDelay(sale.RetryCount)))
}

// RetryDelay is the wait before retry number retries: BackoffInitial doubled
// per earlier retry, capped at BackoffMax.
func (s *Syncer) RetryDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.opts.BackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	return d
}

// GetStatus aggregates reachability, progress, queue depth and recent errors.
func (s *Syncer) GetStatus(ctx context.Context) (*Status, error) {
	count, err := s.store.GetQueuedSalesCount(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	last := s.lastSyncAt
	errs := append([]string(nil), s.lastErrors...)
	s.mu.RUnlock()

	if last == nil {
		last, err = s.lastPullFromMetadata(ctx)
		if err != nil {
			return nil, err
		}
	}
	for _, id := range s.store.Degraded() {
		errs = append(errs, "schema migration not applied: "+id)
	}
	if errs == nil {
		errs = []string{}
	}

	return &Status{
		Online:      s.online.Load(),
		Syncing:     s.syncing.Load(),
		LastSyncAt:  last,
		QueuedCount: count,
		Errors:      errs,
	}, nil
}

// lastPullFromMetadata recovers the last successful sync time after a restart.
func (s *Syncer) lastPullFromMetadata(ctx context.Context) (*time.Time, error) {
	metadata, err := s.store.GetSyncMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var last *time.Time
	for _, md := range metadata {
		if md.LastSyncAt != nil && (last == nil || md.LastSyncAt.After(*last)) {
			t := *md.LastSyncAt
			last = &t
		}
	}
	return last, nil
}
