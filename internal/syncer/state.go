package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/agentworkforce/clinicsync/internal/fetch"
)

type State int

const (
	StateDisconnected State = iota
	StateBootstrapping
	StateReady
	StateRefreshingRecent
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateRefreshingRecent:
		return "refreshing_recent"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrNoTenantAuthorized is returned by Connect when no tenant could obtain a token.
	ErrNoTenantAuthorized = errors.New("no tenant could be authorized")
	ErrUnknownTenant      = errors.New("unknown tenant")
	ErrNotReady           = errors.New("coordinator is not connected")
	ErrAlreadyConnected   = errors.New("coordinator is already connected")
)

type TenantHealth string

const (
	TenantPending  TenantHealth = "pending"
	TenantOK       TenantHealth = "ok"
	TenantDegraded TenantHealth = "degraded"
)

type TenantStatus struct {
	TenantID     string       `json:"tenantId"`
	Status       TenantHealth `json:"status"`
	LastSyncAt   time.Time    `json:"lastSyncAt,omitempty"`
	LastError    string       `json:"lastError,omitempty"`
	RecordCount  int          `json:"recordCount"`
	FailedMonths int          `json:"failedMonths"`
}

type Status struct {
	State          State          `json:"state"`
	Tenants        []TenantStatus `json:"tenants"`
	DatasetRecords int            `json:"datasetRecords"`
	DatasetBuiltAt time.Time      `json:"datasetBuiltAt,omitempty"`
}

// RefreshResult reports a refresh pass per tenant. A tenant is failed when its
// load stopped early or any of its months could not be fetched.
type RefreshResult struct {
	Succeeded     []string         `json:"succeeded"`
	FailedTenants []string         `json:"failedTenants"`
	Errors        map[string]error `json:"-"`
}

// Err combines the per-tenant failures, or returns nil when every tenant succeeded.
func (r RefreshResult) Err() error {
	var merr *multierror.Error
	for _, tenantID := range r.FailedTenants {
		merr = multierror.Append(merr, fmt.Errorf("tenant %s: %w", tenantID, r.Errors[tenantID]))
	}
	return merr.ErrorOrNil()
}

// loadError is the error a tenant's load ended with: the error that stopped
// it, or all failed months combined.
func loadError(report fetch.LoadReport, err error) error {
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, month := range report.Months {
		if month.Err != nil {
			merr = multierror.Append(merr, month.Err)
		}
	}
	return merr.ErrorOrNil()
}
