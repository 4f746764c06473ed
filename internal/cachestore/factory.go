package cachestore

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

type BackendFactory func(ctx context.Context, dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes BuildBackendFromDSN route scheme to factory,
// taking precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN picks a Backend from the DSN scheme. A bare path is
// treated as a file backend directory.
func BuildBackendFromDSN(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "postgres", "postgresql", "pgx":
		return NewPostgresBackend(dsn)
	case "s3":
		cfg, cfgErr := ParseS3DSN(dsn)
		if cfgErr != nil {
			return nil, cfgErr
		}
		return NewS3Backend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

// ProfileDSN maps a deployment profile to a default DSN rooted at dataDir.
// The production profile has no default and must be paired with an explicit DSN.
func ProfileDSN(profile, dataDir string) (string, error) {
	if strings.TrimSpace(dataDir) == "" {
		dataDir = "."
	}
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "memory":
		return "memory://", nil
	case "durable-local":
		return "sqlite://" + filepath.Join(dataDir, "clinicsync-cache.db"), nil
	case "production":
		return "", fmt.Errorf("%w: production profile requires an explicit cache dsn", ErrInvalidInput)
	default:
		return "", fmt.Errorf("%w: unknown cache profile %q", ErrInvalidInput, profile)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
