// Package fetch loads tenant transaction history month by month, serving
// fresh months from the cache and writing fetched months back to it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/agentworkforce/clinicsync/internal/cachestore"
	"github.com/agentworkforce/clinicsync/internal/metrics"
	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/upstream"
	"github.com/agentworkforce/clinicsync/internal/vault"
)

const (
	DefaultRequestDelay   = 500 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// TokenSource is satisfied by *vault.Vault.
type TokenSource interface {
	Token(ctx context.Context, tenantID string) (vault.AccessToken, error)
	Invalidate(tenantID string)
}

// ChunkCache is satisfied by *cachestore.Store.
type ChunkCache interface {
	Get(ctx context.Context, tenantID string, year int, month time.Month) (cachestore.Chunk, bool, error)
	Put(ctx context.Context, tenantID string, year int, month time.Month, recs []records.DailyAccountRecord) error
	Usable(chunk cachestore.Chunk) bool
}

type Source string

const (
	SourceCache   Source = "cached"
	SourceFetched Source = "fetched"
	SourceFailed  Source = "failed"
)

type MonthOutcome struct {
	Range    MonthRange
	Source   Source
	Records  int
	Rejected int
	// Err is set when the month could not be loaded.
	Err error
	// CacheErr is set when the month was loaded but not persisted.
	CacheErr error
}

// LoadReport is the result of one load. Records holds everything loaded
// before the load finished or stopped, even when the load returned an error.
type LoadReport struct {
	TenantID string
	Records  []records.DailyAccountRecord
	Months   []MonthOutcome
}

func (r LoadReport) FailedMonths() int {
	n := 0
	for _, m := range r.Months {
		if m.Source == SourceFailed {
			n++
		}
	}
	return n
}

func (r LoadReport) LoadedMonths() int {
	return len(r.Months) - r.FailedMonths()
}

type Options struct {
	Tokens TokenSource
	Client upstream.Client
	Cache  ChunkCache
	// Location is the clinics' timezone; it defines "today".
	Location       *time.Location
	RequestDelay   time.Duration
	RequestTimeout time.Duration
	Clock          quartz.Clock
	Logger         slog.Logger
	Metrics        *metrics.Metrics
}

type Orchestrator struct {
	tokens         TokenSource
	client         upstream.Client
	cache          ChunkCache
	loc            *time.Location
	requestDelay   time.Duration
	requestTimeout time.Duration
	clock          quartz.Clock
	logger         slog.Logger
	metrics        *metrics.Metrics
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Tokens == nil || opts.Client == nil || opts.Cache == nil {
		return nil, errors.New("fetch: tokens, client and cache are required")
	}
	o := &Orchestrator{
		tokens:         opts.Tokens,
		client:         opts.Client,
		cache:          opts.Cache,
		loc:            opts.Location,
		requestDelay:   opts.RequestDelay,
		requestTimeout: opts.RequestTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.Named("fetch"),
		metrics:        opts.Metrics,
	}
	if o.loc == nil {
		o.loc = time.UTC
	}
	if o.requestDelay < 0 {
		o.requestDelay = 0
	} else if o.requestDelay == 0 {
		o.requestDelay = DefaultRequestDelay
	}
	if o.requestTimeout <= 0 {
		o.requestTimeout = DefaultRequestTimeout
	}
	if o.clock == nil {
		o.clock = quartz.NewReal()
	}
	return o, nil
}

// Today returns the current civil date in the clinics' timezone.
func (o *Orchestrator) Today() time.Time {
	return records.CivilDate(o.clock.Now("fetch", "today").In(o.loc))
}

// LoadHistory loads [from, to] month by month in chronological order. Months
// with a usable cached chunk are not fetched. A failed month is recorded and
// skipped. An *vault.AuthError stops the load for this tenant; cancelling ctx
// stops it between months. In both cases the report carries what was loaded.
func (o *Orchestrator) LoadHistory(ctx context.Context, tenantID string, from, to time.Time) (LoadReport, error) {
	return o.load(ctx, tenantID, PlanMonths(from, to), false)
}

// LoadRecentWindow refetches [today-windowDays, today] regardless of cache
// state and merges the result into the cached chunks it touches.
func (o *Orchestrator) LoadRecentWindow(ctx context.Context, tenantID string, windowDays int) (LoadReport, error) {
	if windowDays < 0 {
		windowDays = 0
	}
	today := o.Today()
	return o.load(ctx, tenantID, PlanMonths(today.AddDate(0, 0, -windowDays), today), true)
}

func (o *Orchestrator) load(ctx context.Context, tenantID string, plan []MonthRange, force bool) (LoadReport, error) {
	report := LoadReport{TenantID: tenantID}
	logger := o.logger.With(slog.F("tenant", tenantID))
	fetchedPrevious := false
	for _, rng := range plan {
		if fetchedPrevious {
			if err := o.wait(ctx, o.requestDelay); err != nil {
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !force {
			if chunk, ok := o.cachedChunk(ctx, logger, tenantID, rng); ok {
				report.Records = append(report.Records, chunk.Records...)
				report.Months = append(report.Months, MonthOutcome{Range: rng, Source: SourceCache, Records: len(chunk.Records)})
				o.metrics.ChunkLoaded(tenantID, string(SourceCache))
				fetchedPrevious = false
				continue
			}
		}

		fetchedPrevious = true
		outcome, recs, err := o.fetchMonth(ctx, logger, tenantID, rng)
		report.Months = append(report.Months, outcome)
		o.metrics.ChunkLoaded(tenantID, string(outcome.Source))
		if err != nil {
			return report, err
		}
		report.Records = append(report.Records, recs...)
	}
	return report, nil
}

func (o *Orchestrator) cachedChunk(ctx context.Context, logger slog.Logger, tenantID string, rng MonthRange) (cachestore.Chunk, bool) {
	chunk, ok, err := o.cache.Get(ctx, tenantID, rng.Year, rng.Month)
	if err != nil {
		logger.Warn(ctx, "cache read failed, fetching month", slog.F("month", rng.String()), slog.Error(err))
		return cachestore.Chunk{}, false
	}
	if !ok || !o.cache.Usable(chunk) {
		return cachestore.Chunk{}, false
	}
	if !rng.Full() {
		chunk.Records = clip(chunk.Records, rng)
	}
	return chunk, true
}

// fetchMonth returns a non-nil error only when the tenant's load must stop.
func (o *Orchestrator) fetchMonth(ctx context.Context, logger slog.Logger, tenantID string, rng MonthRange) (MonthOutcome, []records.DailyAccountRecord, error) {
	outcome := MonthOutcome{Range: rng, Source: SourceFailed}

	// A started request runs to completion even if ctx is cancelled, bounded
	// by its own timeout, so a chunk is never left half-written.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
	defer cancel()

	resp, err := o.fetchWithReauth(reqCtx, tenantID, rng)
	if err != nil {
		outcome.Err = err
		var authErr *vault.AuthError
		if errors.As(err, &authErr) {
			logger.Error(ctx, "authentication failed, abandoning tenant load",
				slog.F("month", rng.String()), slog.Error(err))
			return outcome, nil, err
		}
		logger.Warn(ctx, "month fetch failed, continuing",
			slog.F("month", rng.String()),
			slog.F("transient", errors.Is(err, upstream.ErrTransient)),
			slog.Error(err),
		)
		return outcome, nil, nil
	}

	recs, rejected := records.NormalizeAll(tenantID, resp.Values, o.loc)
	outcome.Source = SourceFetched
	outcome.Records = len(recs)
	outcome.Rejected = rejected
	if rejected > 0 {
		logger.Warn(ctx, "rejected malformed records",
			slog.F("month", rng.String()), slog.F("rejected", rejected))
	}

	toStore := recs
	if !rng.Full() {
		// A partial fetch only covers some days; keep the rest of the month.
		existing, ok, getErr := o.cache.Get(reqCtx, tenantID, rng.Year, rng.Month)
		if getErr == nil && ok {
			toStore = records.Merge(existing.Records, recs)
		}
	}
	if err := o.cache.Put(reqCtx, tenantID, rng.Year, rng.Month, toStore); err != nil {
		outcome.CacheErr = err
		logger.Warn(ctx, "month not cached, keeping records in memory",
			slog.F("month", rng.String()),
			slog.F("quota", errors.Is(err, cachestore.ErrQuotaExceeded)),
			slog.Error(err),
		)
	}
	logger.Debug(ctx, "loaded month", slog.F("month", rng.String()), slog.F("records", len(recs)))
	return outcome, recs, nil
}

// fetchWithReauth retries exactly once after a 401, with a freshly issued
// token. A second 401 becomes an *vault.AuthError; running out of time while
// issuing a token is transient.
func (o *Orchestrator) fetchWithReauth(ctx context.Context, tenantID string, rng MonthRange) (upstream.DailyAccounts, error) {
	for attempt := 0; ; attempt++ {
		tok, err := o.tokens.Token(ctx, tenantID)
		if err != nil {
			// ctx is detached from cancellation, so a deadline here is this
			// request's timeout: the month fails, the tenant carries on.
			if errors.Is(err, context.DeadlineExceeded) {
				return upstream.DailyAccounts{}, &upstream.TransientFetchError{
					Err: fmt.Errorf("issue token for %s: %w", tenantID, context.DeadlineExceeded),
				}
			}
			var authErr *vault.AuthError
			if errors.As(err, &authErr) {
				return upstream.DailyAccounts{}, err
			}
			return upstream.DailyAccounts{}, &vault.AuthError{TenantID: tenantID, Err: err}
		}
		resp, err := o.client.FetchDailyAccounts(ctx, tok.Value, rng.From, rng.To)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, upstream.ErrUnauthorized) {
			return upstream.DailyAccounts{}, fmt.Errorf("fetch %s: %w", rng, err)
		}
		o.tokens.Invalidate(tenantID)
		if attempt >= 1 {
			return upstream.DailyAccounts{}, &vault.AuthError{TenantID: tenantID, StatusCode: 401, Err: err}
		}
	}
}

func (o *Orchestrator) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := o.clock.NewTimer(delay, "fetch", "delay")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clip(recs []records.DailyAccountRecord, rng MonthRange) []records.DailyAccountRecord {
	out := make([]records.DailyAccountRecord, 0, len(recs))
	for _, r := range recs {
		if r.RecordDate.Before(rng.From) || r.RecordDate.After(rng.To) {
			continue
		}
		out = append(out, r)
	}
	return out
}
