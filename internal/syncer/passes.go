package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/clinicsync/internal/fetch"
	"github.com/agentworkforce/clinicsync/internal/records"
)

type bootstrapOutcome struct {
	authFailed   bool
	loadedMonths int
}

func (c *Coordinator) bootstrap(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateBootstrapping
	c.mu.Unlock()
	c.metrics.SyncState(int(StateBootstrapping))

	today := c.loader.Today()
	from := records.Date(today.Year(), today.Month()-time.Month(c.historyMonths-1), 1)
	total := len(c.tenants)
	c.logger.Info(ctx, "bootstrap started",
		slog.F("tenants", total),
		slog.F("from", records.FormatDate(from)),
		slog.F("to", records.FormatDate(today)),
	)

	outcomes := make([]bootstrapOutcome, total)
	var finished atomic.Int32
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, tenantID := range c.tenants {
		g.Go(func() error {
			outcomes[i] = c.bootstrapTenant(ctx, tenantID, from, today)
			done := int(finished.Add(1))
			c.logger.Info(ctx, "bootstrap progress", slog.F("tenant", tenantID), slog.F("done", done), slog.F("total", total))
			if c.onProgress != nil {
				c.onProgress(done, total)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	authFailures, loaded := 0, 0
	for _, o := range outcomes {
		if o.authFailed {
			authFailures++
		}
		loaded += o.loadedMonths
	}
	switch {
	case authFailures == total:
		c.setState(StateFailed)
		c.logger.Error(ctx, "bootstrap failed: no tenant could be authorized")
		return ErrNoTenantAuthorized
	case loaded == 0:
		c.setState(StateFailed)
		c.logger.Error(ctx, "bootstrap failed: upstream unreachable for every tenant")
		return nil
	}
	c.setState(StateReady)
	c.logger.Info(ctx, "bootstrap complete",
		slog.F("records", c.dataset.Load().Len()),
		slog.F("auth_failures", authFailures),
	)
	return nil
}

func (c *Coordinator) bootstrapTenant(ctx context.Context, tenantID string, from, to time.Time) bootstrapOutcome {
	lock := c.tenantLocks[tenantID]
	lock.Lock()
	defer lock.Unlock()

	report, err := c.loader.LoadHistory(ctx, tenantID, from, to)
	n := c.merge(tenantID, report.Records)
	outcome := bootstrapOutcome{authFailed: isAuthError(err), loadedMonths: report.LoadedMonths()}
	c.recordLoad(ctx, tenantID, report, err, n, outcome.loadedMonths == 0 && len(report.Months) > 0)
	return outcome
}

// refresh runs one recent-window pass over tenants.
func (c *Coordinator) refresh(ctx context.Context, tenants []string, kind string) (RefreshResult, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.setState(StateRefreshingRecent)
	result := RefreshResult{Errors: map[string]error{}}
	errs := make([]error, len(tenants))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, tenantID := range tenants {
		g.Go(func() error {
			errs[i] = c.refreshTenant(ctx, tenantID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		c.setState(StateReady)
		c.metrics.Refresh(kind, "cancelled")
		return RefreshResult{}, err
	}
	for i, tenantID := range tenants {
		if errs[i] != nil {
			result.FailedTenants = append(result.FailedTenants, tenantID)
			result.Errors[tenantID] = errs[i]
			continue
		}
		result.Succeeded = append(result.Succeeded, tenantID)
	}
	c.setState(StateReady)

	outcome := "ok"
	if len(result.FailedTenants) > 0 {
		outcome = "partial"
	}
	c.metrics.Refresh(kind, outcome)
	c.metrics.RefreshCompleted(float64(c.clock.Now("syncer", "refresh").Unix()))
	c.logger.Info(ctx, "recent window refreshed",
		slog.F("kind", kind),
		slog.F("succeeded", len(result.Succeeded)),
		slog.F("failed", len(result.FailedTenants)),
	)
	return result, nil
}

func (c *Coordinator) refreshTenant(ctx context.Context, tenantID string) error {
	lock := c.tenantLocks[tenantID]
	lock.Lock()
	defer lock.Unlock()

	report, err := c.loader.LoadRecentWindow(ctx, tenantID, c.recentDays)
	n := c.merge(tenantID, report.Records)
	c.recordLoad(ctx, tenantID, report, err, n, false)
	return loadError(report, err)
}

// recordLoad updates the tenant's status after a load. Records already in
// the dataset are kept whatever the outcome.
func (c *Coordinator) recordLoad(ctx context.Context, tenantID string, report fetch.LoadReport, err error, recordCount int, unreachable bool) {
	lerr := loadError(report, err)
	now := c.clock.Now("syncer", "status")
	c.updateStatus(tenantID, func(st *TenantStatus) {
		st.RecordCount = recordCount
		st.FailedMonths = report.FailedMonths()
		st.LastError = ""
		if lerr != nil {
			st.LastError = lerr.Error()
		}
		switch {
		case isAuthError(err), unreachable:
			st.Status = TenantDegraded
		case err != nil && ctx.Err() != nil:
			// Cancelled; keep the previous health.
		default:
			st.Status = TenantOK
			st.LastSyncAt = now
		}
	})
	if isAuthError(err) {
		c.logger.Error(ctx, "tenant degraded: authentication failed",
			slog.F("tenant", tenantID), slog.Error(err))
	}
}
