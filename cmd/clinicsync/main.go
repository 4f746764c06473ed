package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/clinicsync/internal/analytics"
	"github.com/agentworkforce/clinicsync/internal/cachestore"
	"github.com/agentworkforce/clinicsync/internal/config"
	"github.com/agentworkforce/clinicsync/internal/fetch"
	"github.com/agentworkforce/clinicsync/internal/httpapi"
	"github.com/agentworkforce/clinicsync/internal/metrics"
	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/syncer"
	"github.com/agentworkforce/clinicsync/internal/upstream"
	"github.com/agentworkforce/clinicsync/internal/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "clinicsync: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath      string
	addr            string
	cacheDSN        string
	cacheProfile    string
	dataDir         string
	capacityBytes   int64
	requestDelay    time.Duration
	requestTimeout  time.Duration
	refreshInterval time.Duration
	concurrency     int
	jwtSecret       string
	rateLimitMax    int
	rateLimitWindow time.Duration
	verbose         bool
	once            bool
	tenant          string
	from            string
	to              string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("clinicsync", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", envOrDefault("CLINICSYNC_CONFIG", "tenants.json"), "tenant configuration file")
	fs.StringVar(&opts.addr, "addr", envOrDefault("CLINICSYNC_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&opts.cacheDSN, "cache-dsn", strings.TrimSpace(os.Getenv("CLINICSYNC_CACHE_DSN")), "cache backend DSN (memory://, file://, sqlite://, postgres://, s3://)")
	fs.StringVar(&opts.cacheProfile, "cache-profile", envOrDefault("CLINICSYNC_CACHE_PROFILE", "durable-local"), "cache profile used when no DSN is set (memory, durable-local)")
	fs.StringVar(&opts.dataDir, "data-dir", envOrDefault("CLINICSYNC_DATA_DIR", ".clinicsync"), "directory for local cache files")
	fs.Int64Var(&opts.capacityBytes, "capacity-bytes", int64Env("CLINICSYNC_CACHE_CAPACITY_BYTES", cachestore.DefaultCapacityBytes), "cache capacity in bytes")
	fs.DurationVar(&opts.requestDelay, "request-delay", durationEnv("CLINICSYNC_REQUEST_DELAY", fetch.DefaultRequestDelay), "pause between upstream month requests")
	fs.DurationVar(&opts.requestTimeout, "request-timeout", durationEnv("CLINICSYNC_REQUEST_TIMEOUT", 30*time.Second), "per-request upstream timeout")
	fs.DurationVar(&opts.refreshInterval, "refresh-interval", durationEnv("CLINICSYNC_REFRESH_INTERVAL", 12*time.Hour), "recent-window refresh interval")
	fs.IntVar(&opts.concurrency, "concurrency", intEnv("CLINICSYNC_CONCURRENCY", 1), "tenants loaded at once")
	fs.StringVar(&opts.jwtSecret, "jwt-secret", strings.TrimSpace(os.Getenv("CLINICSYNC_JWT_SECRET")), "HS256 secret for API bearer tokens")
	fs.IntVar(&opts.rateLimitMax, "rate-limit-max", intEnv("CLINICSYNC_RATE_LIMIT_MAX", 6), "manual refreshes per subject per window (0 disables)")
	fs.DurationVar(&opts.rateLimitWindow, "rate-limit-window", durationEnv("CLINICSYNC_RATE_LIMIT_WINDOW", time.Minute), "manual refresh rate limit window")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVar(&opts.once, "once", false, "bootstrap, print one snapshot as JSON and exit")
	fs.StringVar(&opts.tenant, "tenant", analytics.AllTenants, "tenant filter for --once")
	fs.StringVar(&opts.from, "from", "", "start date (yyyy-mm-dd) for --once")
	fs.StringVar(&opts.to, "to", "", "end date (yyyy-mm-dd) for --once")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if !opts.once && opts.jwtSecret == "" {
		return options{}, errors.New("jwt secret is required (--jwt-secret or CLINICSYNC_JWT_SECRET)")
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger := slog.Make(sloghuman.Sink(stderr))
	if opts.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	query, err := onceQuery(opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	coord, closeCache, err := buildCoordinator(ctx, cfg, opts, logger, m)
	if err != nil {
		return err
	}
	defer closeCache()
	defer coord.Disconnect()

	if opts.once {
		if err := coord.Connect(ctx); err != nil {
			return err
		}
		snap, err := coord.Snapshot(ctx, query)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	server := &http.Server{
		Addr:    opts.addr,
		Handler: httpapi.NewServer(coord, httpapi.ServerConfig{
			JWTSecret:       opts.jwtSecret,
			RateLimitMax:    opts.rateLimitMax,
			RateLimitWindow: opts.rateLimitWindow,
			Gatherer:        reg,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(ctx, "clinicsync listening", slog.F("addr", opts.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := coord.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Failed coordinators retry the bootstrap on every tick.
			logger.Error(ctx, "initial bootstrap failed", slog.Error(err))
		}
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	return g.Wait()
}

func buildCoordinator(ctx context.Context, cfg *config.Config, opts options, logger slog.Logger, m *metrics.Metrics) (*syncer.Coordinator, func(), error) {
	tokens, err := vault.New(cfg.Credentials(), vault.Options{
		TokenURL:   cfg.TokenURL,
		HTTPClient: &http.Client{Timeout: opts.requestTimeout},
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return nil, nil, err
	}
	client := upstream.NewHTTPClient(cfg.APIBaseURL, upstream.Options{
		RequestTimeout: opts.requestTimeout,
		Logger:         logger,
	})

	dsn := opts.cacheDSN
	if dsn == "" {
		dsn, err = cachestore.ProfileDSN(opts.cacheProfile, opts.dataDir)
		if err != nil {
			return nil, nil, err
		}
	}
	backend, err := cachestore.BuildBackendFromDSN(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache backend: %w", err)
	}
	store, err := cachestore.Open(ctx, cachestore.Options{
		Backend:       backend,
		CapacityBytes: opts.capacityBytes,
		Location:      cfg.Location(),
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	closeCache := func() {
		if err := store.Close(); err != nil {
			logger.Warn(context.Background(), "close cache", slog.Error(err))
		}
	}

	orch, err := fetch.New(fetch.Options{
		Tokens:         tokens,
		Client:         client,
		Cache:          store,
		Location:       cfg.Location(),
		RequestDelay:   opts.requestDelay,
		RequestTimeout: opts.requestTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	engine := analytics.NewEngine(analytics.Options{
		Location: cfg.Location(),
		Logger:   logger,
		Metrics:  m,
	})
	coord, err := syncer.New(syncer.Options{
		Tenants:         cfg.TenantIDs(),
		Loader:          orch,
		Engine:          engine,
		RefreshInterval: opts.refreshInterval,
		Concurrency:     opts.concurrency,
		OnProgress: func(done, total int) {
			logger.Info(ctx, "bootstrap progress", slog.F("done", done), slog.F("total", total))
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return coord, closeCache, nil
}

func onceQuery(opts options) (analytics.Query, error) {
	q := analytics.Query{Tenant: strings.TrimSpace(opts.tenant)}
	var err error
	if opts.from != "" {
		if q.Start, err = records.ParseDate(opts.from); err != nil {
			return analytics.Query{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if opts.to != "" {
		if q.End, err = records.ParseDate(opts.to); err != nil {
			return analytics.Query{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return analytics.Query{}, errors.New("--to must not be before --from")
	}
	return q, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}
