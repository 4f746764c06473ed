// Package syncer owns the merged dataset and drives it through bootstrap and
// periodic recent-window refreshes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/agentworkforce/clinicsync/internal/analytics"
	"github.com/agentworkforce/clinicsync/internal/fetch"
	"github.com/agentworkforce/clinicsync/internal/metrics"
	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/vault"
)

const (
	DefaultHistoryMonths    = 14
	DefaultRecentWindowDays = 1
	DefaultRefreshInterval  = 12 * time.Hour
)

// Loader is satisfied by *fetch.Orchestrator.
type Loader interface {
	Today() time.Time
	LoadHistory(ctx context.Context, tenantID string, from, to time.Time) (fetch.LoadReport, error)
	LoadRecentWindow(ctx context.Context, tenantID string, windowDays int) (fetch.LoadReport, error)
}

type Options struct {
	Tenants []string
	Loader  Loader
	Engine  *analytics.Engine
	// HistoryMonths is the number of calendar months bootstrapped, current month included.
	HistoryMonths    int
	RecentWindowDays int
	RefreshInterval  time.Duration
	// Concurrency bounds how many tenants load at once. The default of 1
	// loads tenants one after another.
	Concurrency int
	// OnProgress is called after each tenant's bootstrap with the number of
	// tenants finished so far.
	OnProgress func(done, total int)
	Clock      quartz.Clock
	Logger     slog.Logger
	Metrics    *metrics.Metrics
}

type Coordinator struct {
	tenants       []string
	known         map[string]struct{}
	loader        Loader
	engine        *analytics.Engine
	historyMonths int
	recentDays    int
	interval      time.Duration
	concurrency   int
	onProgress    func(done, total int)
	clock         quartz.Clock
	logger        slog.Logger
	metrics       *metrics.Metrics

	// tenantLocks serialize load-and-merge per tenant, so a recent-window
	// merge always lands after a running history load for the same tenant.
	tenantLocks map[string]*sync.Mutex
	// datasetMu serializes merge-and-swap; readers use dataset without it.
	datasetMu sync.Mutex
	dataset   atomic.Pointer[records.Dataset]
	// refreshMu allows one refresh pass at a time.
	refreshMu sync.Mutex

	mu       sync.Mutex
	state    State
	statuses map[string]*TenantStatus
	subs     map[int]chan struct{}
	nextSub  int
	cancels  map[int]context.CancelFunc
	nextOp   int
	ops      sync.WaitGroup
}

func New(opts Options) (*Coordinator, error) {
	if opts.Loader == nil {
		return nil, errors.New("syncer: loader is required")
	}
	if len(opts.Tenants) == 0 {
		return nil, errors.New("syncer: at least one tenant is required")
	}
	c := &Coordinator{
		known:         map[string]struct{}{},
		loader:        opts.Loader,
		engine:        opts.Engine,
		historyMonths: opts.HistoryMonths,
		recentDays:    opts.RecentWindowDays,
		interval:      opts.RefreshInterval,
		concurrency:   opts.Concurrency,
		onProgress:    opts.OnProgress,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("syncer"),
		metrics:       opts.Metrics,
		tenantLocks:   map[string]*sync.Mutex{},
		statuses:      map[string]*TenantStatus{},
		subs:          map[int]chan struct{}{},
		cancels:       map[int]context.CancelFunc{},
	}
	for _, tenantID := range opts.Tenants {
		if _, dup := c.known[tenantID]; dup {
			return nil, fmt.Errorf("syncer: duplicate tenant %q", tenantID)
		}
		c.known[tenantID] = struct{}{}
		c.tenants = append(c.tenants, tenantID)
		c.tenantLocks[tenantID] = &sync.Mutex{}
		c.statuses[tenantID] = &TenantStatus{TenantID: tenantID, Status: TenantPending}
	}
	if c.engine == nil {
		c.engine = analytics.NewEngine(analytics.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if c.historyMonths <= 0 {
		c.historyMonths = DefaultHistoryMonths
	}
	if c.recentDays <= 0 {
		c.recentDays = DefaultRecentWindowDays
	}
	if c.interval <= 0 {
		c.interval = DefaultRefreshInterval
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	if c.clock == nil {
		c.clock = quartz.NewReal()
	}
	c.dataset.Store(records.NewDataset(nil, time.Time{}))
	c.metrics.SyncState(int(StateDisconnected))
	return c, nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	c.metrics.SyncState(int(state))
	if prev != state {
		c.logger.Debug(context.Background(), "state changed",
			slog.F("from", prev.String()), slog.F("to", state.String()))
	}
}

// Connect bootstraps every tenant over the trailing history window. It
// returns once all tenants were attempted. Per-tenant failures only degrade
// that tenant; ErrNoTenantAuthorized is returned when every tenant failed to
// authenticate.
func (c *Coordinator) Connect(ctx context.Context) error {
	ctx, done := c.begin(ctx)
	defer done()
	return c.bootstrap(ctx)
}

// Run performs a recent-window refresh immediately and then on every
// interval tick, until ctx is done or Disconnect is called. While the
// coordinator is Failed, each tick retries the bootstrap instead.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.State() == StateDisconnected {
		return ErrNotReady
	}
	ctx, done := c.begin(ctx)
	defer done()

	ticker := c.clock.NewTicker(c.interval, "syncer", "refresh")
	defer ticker.Stop()
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if c.State() == StateFailed {
		if err := c.bootstrap(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn(ctx, "bootstrap retry failed", slog.Error(err))
		}
		return
	}
	result, err := c.refresh(ctx, c.tenants, "scheduled")
	if err != nil {
		return
	}
	if rerr := result.Err(); rerr != nil {
		c.logger.Warn(ctx, "scheduled refresh incomplete",
			slog.F("failed_tenants", result.FailedTenants), slog.Error(rerr))
	}
}

// RefreshNow runs a recent-window refresh for one tenant, or for all of them
// when tenantID is empty or "all".
func (c *Coordinator) RefreshNow(ctx context.Context, tenantID string) (RefreshResult, error) {
	tenants := c.tenants
	if tenantID != "" && !strings.EqualFold(tenantID, analytics.AllTenants) {
		if _, ok := c.known[tenantID]; !ok {
			return RefreshResult{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
		}
		tenants = []string{tenantID}
	}
	switch c.State() {
	case StateReady, StateRefreshingRecent:
	default:
		return RefreshResult{}, ErrNotReady
	}
	ctx, done := c.begin(ctx)
	defer done()
	return c.refresh(ctx, tenants, "manual")
}

// Snapshot computes metrics over the current dataset. It never blocks on a
// running load.
func (c *Coordinator) Snapshot(ctx context.Context, q analytics.Query) (analytics.Snapshot, error) {
	if q.Tenant != "" && !strings.EqualFold(q.Tenant, analytics.AllTenants) {
		if _, ok := c.known[q.Tenant]; !ok {
			return analytics.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTenant, q.Tenant)
		}
	}
	if q.Now.IsZero() {
		q.Now = c.clock.Now("syncer", "snapshot")
	}
	return c.engine.Compute(ctx, c.dataset.Load().Records(), q), nil
}

func (c *Coordinator) Tenants() []string {
	out := make([]string, len(c.tenants))
	copy(out, c.tenants)
	return out
}

func (c *Coordinator) Status() Status {
	ds := c.dataset.Load()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:          c.state,
		Tenants:        make([]TenantStatus, 0, len(c.tenants)),
		DatasetRecords: ds.Len(),
		DatasetBuiltAt: ds.BuiltAt(),
	}
	for _, tenantID := range c.tenants {
		st.Tenants = append(st.Tenants, *c.statuses[tenantID])
	}
	return st
}

// Subscribe returns a channel that receives a value whenever the dataset
// changes. Signals coalesce; the channel is closed by the returned cancel func.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Disconnect stops scheduling new month fetches and waits for running
// operations to return. Requests already in flight finish under their own
// timeout. The dataset is kept.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()
	c.ops.Wait()
	c.setState(StateDisconnected)
}

// begin registers an operation that Disconnect cancels and waits for.
func (c *Coordinator) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	id := c.nextOp
	c.nextOp++
	c.cancels[id] = cancel
	c.ops.Add(1)
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
		c.ops.Done()
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// merge applies recs on top of the dataset and swaps it in.
func (c *Coordinator) merge(tenantID string, recs []records.DailyAccountRecord) int {
	c.datasetMu.Lock()
	next := c.dataset.Load().Merge(recs, c.clock.Now("syncer", "merge"))
	c.dataset.Store(next)
	c.datasetMu.Unlock()

	n := next.TenantLen(tenantID)
	c.metrics.DatasetRecords(tenantID, n)
	c.notify()
	return n
}

func (c *Coordinator) updateStatus(tenantID string, fn func(*TenantStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.statuses[tenantID])
}

func isAuthError(err error) bool {
	var authErr *vault.AuthError
	return errors.As(err, &authErr)
}
