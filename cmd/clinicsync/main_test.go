package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/clinicsync/internal/analytics"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("CLINICSYNC_TEST_INT", "42")
	if got := intEnv("CLINICSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CLINICSYNC_TEST_INT", "abc")
	if got := intEnv("CLINICSYNC_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("CLINICSYNC_TEST_INT64", "1048576")
	if got := int64Env("CLINICSYNC_TEST_INT64", 1); got != 1<<20 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CLINICSYNC_TEST_DURATION", "soon")
	if got := durationEnv("CLINICSYNC_TEST_DURATION", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
	t.Setenv("CLINICSYNC_TEST_DURATION", "12h")
	if got := durationEnv("CLINICSYNC_TEST_DURATION", time.Second); got != 12*time.Hour {
		t.Fatalf("expected 12h, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	if got := envOrDefault("CLINICSYNC_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := intEnv("CLINICSYNC_TEST_UNSET", 5); got != 5 {
		t.Fatalf("expected fallback 5, got %d", got)
	}
}

func TestParseFlagsReadsEnvironmentDefaults(t *testing.T) {
	t.Setenv("CLINICSYNC_JWT_SECRET", "env-secret")
	t.Setenv("CLINICSYNC_CONCURRENCY", "3")
	t.Setenv("CLINICSYNC_CACHE_PROFILE", "memory")

	opts, err := parseFlags([]string{"--addr", ":9090"}, io.Discard)
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts.jwtSecret != "env-secret" || opts.concurrency != 3 || opts.cacheProfile != "memory" {
		t.Fatalf("environment defaults not applied: %+v", opts)
	}
	if opts.addr != ":9090" {
		t.Fatalf("expected flag to override default, got %q", opts.addr)
	}
	if opts.tenant != analytics.AllTenants {
		t.Fatalf("expected tenant filter %q, got %q", analytics.AllTenants, opts.tenant)
	}
}

func TestParseFlagsRequiresSecretForServer(t *testing.T) {
	t.Setenv("CLINICSYNC_JWT_SECRET", "")
	if _, err := parseFlags(nil, io.Discard); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
	if _, err := parseFlags([]string{"--once"}, io.Discard); err != nil {
		t.Fatalf("expected --once without secret to pass, got %v", err)
	}
}

func TestOnceQueryValidatesDates(t *testing.T) {
	q, err := onceQuery(options{tenant: "mito", from: "2024-01-01", to: "2024-01-31"})
	if err != nil {
		t.Fatalf("once query: %v", err)
	}
	if q.Tenant != "mito" || q.Start.Day() != 1 || q.End.Day() != 31 {
		t.Fatalf("unexpected query %+v", q)
	}
	if _, err := onceQuery(options{from: "2024-02-30"}); err == nil {
		t.Fatalf("expected invalid date to be rejected")
	}
	if _, err := onceQuery(options{from: "2024-02-01", to: "2024-01-01"}); err == nil {
		t.Fatalf("expected inverted range to be rejected")
	}
}

func TestRunOncePrintsSnapshot(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer authServer.Close()

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		from := r.URL.Query().Get("from")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"values":[{"recordDate":%q,"visitorId":"v-%s","totalAmount":10000,"isFirst":true}]}`, from, from)
	}))
	defer apiServer.Close()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "tenants.json")
	doc := fmt.Sprintf(`{
  "apiBaseURL": %q,
  "tokenURL": %q,
  "tenants": [{"id": "yokohama", "clientId": "yk", "clientSecret": "s"}]
}`, apiServer.URL, authServer.URL)
	if err := os.WriteFile(configPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, []string{
		"--once",
		"--config", configPath,
		"--cache-profile", "memory",
		"--request-delay", "1ms",
		"--tenant", "yokohama",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run --once: %v\n%s", err, stderr.String())
	}

	var snap analytics.Snapshot
	if err := json.Unmarshal(stdout.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v\n%s", err, stdout.String())
	}
	if snap.Tenant != "yokohama" {
		t.Fatalf("expected tenant yokohama, got %q", snap.Tenant)
	}
	if snap.RecordCount == 0 {
		t.Fatalf("expected records in snapshot")
	}
	if len(snap.MonthlyTrend) == 0 {
		t.Fatalf("expected monthly trend buckets")
	}
	if !strings.Contains(stderr.String(), "bootstrap progress") {
		t.Fatalf("expected progress logging on stderr, got %s", stderr.String())
	}
}
