// Package vault holds per-tenant client credentials and issues bearer tokens
// from the upstream token endpoint, caching each token until it nears expiry.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/clinicsync/internal/metrics"
)

const (
	DefaultSafetyMargin = 5 * time.Minute
	DefaultExpiry       = 86400 * time.Second
)

var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrUnauthorized  = errors.New("unauthorized")
)

// AuthError means a token could not be obtained, or was rejected after a
// refresh. It is fatal for the tenant's current operation only.
type AuthError struct {
	TenantID   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("auth failed for tenant %s: http %d: %v", e.TenantID, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("auth failed for tenant %s: http %d", e.TenantID, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("auth failed for tenant %s: %v", e.TenantID, e.Err)
	default:
		return fmt.Sprintf("auth failed for tenant %s", e.TenantID)
	}
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type TenantCredential struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

type AccessToken struct {
	TenantID  string
	Value     string
	TokenType string
	IssuedAt  time.Time
	// ExpiresAt is the server-reported expiry; Valid applies the margin.
	ExpiresAt time.Time
}

// Valid reports whether the token may still be used at now, i.e. now is
// earlier than ExpiresAt minus margin.
func (t AccessToken) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

type Options struct {
	TokenURL     string
	HTTPClient   *http.Client
	Clock        quartz.Clock
	SafetyMargin time.Duration
	Logger       slog.Logger
	Metrics      *metrics.Metrics
}

type Vault struct {
	tokenURL   string
	httpClient *http.Client
	clock      quartz.Clock
	margin     time.Duration
	logger     slog.Logger
	metrics    *metrics.Metrics
	creds      map[string]TenantCredential

	mu     sync.Mutex
	tokens map[string]AccessToken
	flight singleflight.Group
}

func New(creds []TenantCredential, opts Options) (*Vault, error) {
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("at least one tenant credential is required")
	}
	byTenant := make(map[string]TenantCredential, len(creds))
	for _, cred := range creds {
		id := strings.TrimSpace(cred.TenantID)
		if id == "" || cred.ClientID == "" || cred.ClientSecret == "" {
			return nil, fmt.Errorf("incomplete credential for tenant %q", cred.TenantID)
		}
		if _, dup := byTenant[id]; dup {
			return nil, fmt.Errorf("duplicate credential for tenant %q", id)
		}
		cred.TenantID = id
		byTenant[id] = cred
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	margin := opts.SafetyMargin
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return &Vault{
		tokenURL:   tokenURL,
		httpClient: httpClient,
		clock:      clock,
		margin:     margin,
		logger:     opts.Logger.Named("vault"),
		metrics:    opts.Metrics,
		creds:      byTenant,
		tokens:     map[string]AccessToken{},
	}, nil
}

// Tenants returns the configured tenant ids in sorted order.
func (v *Vault) Tenants() []string {
	out := make([]string, 0, len(v.creds))
	for id := range v.creds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Token returns a cached token while it is valid and otherwise performs a
// client-credentials exchange. Concurrent callers for the same tenant share a
// single in-flight exchange.
func (v *Vault) Token(ctx context.Context, tenantID string) (AccessToken, error) {
	cred, ok := v.creds[tenantID]
	if !ok {
		return AccessToken{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if tok, ok := v.cached(tenantID); ok {
		return tok, nil
	}
	// The exchange outlives any single waiter so one cancelled caller does
	// not fail the others; the http client timeout still bounds it.
	exchangeCtx := context.WithoutCancel(ctx)
	ch := v.flight.DoChan(tenantID, func() (any, error) {
		if tok, ok := v.cached(tenantID); ok {
			return tok, nil
		}
		tok, err := v.exchange(exchangeCtx, cred)
		if err != nil {
			v.metrics.TokenExchange(tenantID, "error")
			return AccessToken{}, err
		}
		v.metrics.TokenExchange(tenantID, "ok")
		v.mu.Lock()
		v.tokens[tenantID] = tok
		v.mu.Unlock()
		return tok, nil
	})
	select {
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	}
}

// Invalidate drops the cached token so the next Token call re-issues one.
func (v *Vault) Invalidate(tenantID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, tenantID)
}

func (v *Vault) cached(tenantID string) (AccessToken, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tok, ok := v.tokens[tenantID]
	if !ok {
		return AccessToken{}, false
	}
	if !tok.Valid(v.clock.Now("vault", "cached"), v.margin) {
		delete(v.tokens, tenantID)
		return AccessToken{}, false
	}
	return tok, true
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

func (v *Vault) exchange(ctx context.Context, cred TenantCredential) (AccessToken, error) {
	body, err := json.Marshal(tokenRequest{ClientID: cred.ClientID, ClientSecret: cred.ClientSecret})
	if err != nil {
		return AccessToken{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.tokenURL, bytes.NewReader(body))
	if err != nil {
		return AccessToken{}, &AuthError{TenantID: cred.TenantID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	issuedAt := v.clock.Now("vault", "exchange")
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return AccessToken{}, &AuthError{TenantID: cred.TenantID, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return AccessToken{}, &AuthError{TenantID: cred.TenantID, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AccessToken{}, &AuthError{
			TenantID:   cred.TenantID,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(payload))),
		}
	}

	var out tokenResponse
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return AccessToken{}, &AuthError{TenantID: cred.TenantID, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return AccessToken{}, &AuthError{TenantID: cred.TenantID, Err: errors.New("token response has no access_token")}
	}
	expiry := parseExpiresIn(out.ExpiresIn)
	tok := AccessToken{
		TenantID:  cred.TenantID,
		Value:     out.AccessToken,
		TokenType: out.TokenType,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(expiry),
	}
	v.logger.Debug(ctx, "issued access token",
		slog.F("tenant", cred.TenantID),
		slog.F("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// parseExpiresIn reads expires_in in seconds, defaulting when absent or unusable.
func parseExpiresIn(raw json.Number) time.Duration {
	s := strings.TrimSpace(raw.String())
	if s == "" {
		return DefaultExpiry
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds <= 0 {
		return DefaultExpiry
	}
	return time.Duration(seconds * float64(time.Second))
}
