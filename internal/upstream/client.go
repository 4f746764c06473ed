// Package upstream is the HTTP transport for the clinic transaction API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

var (
	ErrUnauthorized = errors.New("upstream rejected bearer token")
	ErrTransient    = errors.New("transient upstream failure")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// TransientFetchError covers timeouts, connection failures and gateway errors.
// The month is skipped for this pass and picked up by the next one.
type TransientFetchError struct {
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient upstream failure: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient upstream failure: %v", e.Err)
}

func (e *TransientFetchError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// DailyAccounts is the envelope returned by GET /daily-accounts. Values are
// kept raw so records.Normalize can resolve field fallbacks in one place.
type DailyAccounts struct {
	ClinicID string            `json:"clinicId"`
	Total    json.Number       `json:"total"`
	NetTotal json.Number       `json:"netTotal"`
	Values   []json.RawMessage `json:"values"`
	StartAt  string            `json:"startAt"`
	EndAt    string            `json:"endAt"`
}

type Client interface {
	FetchDailyAccounts(ctx context.Context, token string, from, to time.Time) (DailyAccounts, error)
}

type Options struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Clock          quartz.Clock
	Logger         slog.Logger
}

type HTTPClient struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	clock          quartz.Clock
	logger         slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &HTTPClient{
		baseURL:        baseURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		clock:          clock,
		logger:         opts.Logger.Named("upstream"),
	}
}

// FetchDailyAccounts requests the records posted between from and to, both
// inclusive civil dates.
func (c *HTTPClient) FetchDailyAccounts(ctx context.Context, token string, from, to time.Time) (DailyAccounts, error) {
	q := url.Values{}
	q.Set("from", from.Format(dateLayout))
	q.Set("to", to.Format(dateLayout))
	var out DailyAccounts
	err := c.doJSON(ctx, http.MethodGet, "/daily-accounts?"+q.Encode(), token, &out)
	return out, err
}

// doJSON retries only 429 responses. Gateway errors and timeouts surface as
// TransientFetchError immediately so the caller can move on to the next month.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, token string, out any) error {
	for attempt := 0; ; attempt++ {
		payload, resp, err := c.roundTrip(ctx, method, requestPath, token)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.UseNumber()
			if err := dec.Decode(out); err != nil {
				return fmt.Errorf("decode %s response: %w", requestPath, err)
			}
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			c.logger.Debug(ctx, "upstream rate limited, backing off",
				slog.F("path", requestPath),
				slog.F("attempt", attempt+1),
				slog.F("delay", delay),
			)
			if waitErr := c.waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payload))
		}
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			return &TransientFetchError{StatusCode: resp.StatusCode, Err: httpErr}
		}
		return httpErr
	}
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, requestPath, token string) ([]byte, *http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+requestPath, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &TransientFetchError{Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &TransientFetchError{Err: readErr}
	}
	return payload, resp, nil
}

// IsTimeout reports whether err came from the per-request deadline or a
// network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func correlationID() string {
	return "clinicsync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := c.parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (c *HTTPClient) parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := c.clock.Until(ts, "upstream", "retry_after"); delta > 0 {
			return delta
		}
	}
	return 0
}

func (c *HTTPClient) waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := c.clock.NewTimer(delay, "upstream", "backoff")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
