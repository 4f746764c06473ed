// Package cachestore persists fetched tenant-months as versioned chunks on a
// pluggable Backend, under a fixed byte quota.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/agentworkforce/clinicsync/internal/metrics"
	"github.com/agentworkforce/clinicsync/internal/records"
)

const (
	DefaultSchemaVersion = 1
	DefaultCapacityBytes = 64 << 20
	DefaultMaxEntryBytes = 4 << 20
	DefaultTTL           = 24 * time.Hour
)

// chunkKeyPattern matches every key this package writes, of any schema version.
var chunkKeyPattern = regexp.MustCompile(`^v\d+/[a-z0-9][a-z0-9_-]*/\d{4}-\d{2}$`)

var (
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	ErrEntryTooLarge = errors.New("cache entry too large")
)

// QuotaExceededError reports a skipped write. Callers keep the records in
// memory; only persistence is lost.
type QuotaExceededError struct {
	TenantID  string
	Year      int
	Month     time.Month
	Size      int64
	Available int64
	TooLarge  bool
}

func (e *QuotaExceededError) Error() string {
	if e.TooLarge {
		return fmt.Sprintf("cache chunk %s/%04d-%02d is %d bytes, above the per-entry limit %d",
			e.TenantID, e.Year, int(e.Month), e.Size, e.Available)
	}
	return fmt.Sprintf("cache chunk %s/%04d-%02d needs %d bytes, %d available after eviction",
		e.TenantID, e.Year, int(e.Month), e.Size, e.Available)
}

func (e *QuotaExceededError) Is(target error) bool {
	if target == ErrQuotaExceeded {
		return true
	}
	return target == ErrEntryTooLarge && e.TooLarge
}

// Chunk is one tenant-month of records.
type Chunk struct {
	SchemaVersion int                          `json:"schemaVersion"`
	TenantID      string                       `json:"tenantId"`
	Year          int                          `json:"year"`
	Month         time.Month                   `json:"month"`
	Records       []records.DailyAccountRecord `json:"records"`
	CachedAt      time.Time                    `json:"cachedAt"`
}

type Options struct {
	Backend       Backend
	SchemaVersion int
	CapacityBytes int64
	MaxEntryBytes int64
	TTL           time.Duration
	// Location decides which calendar month is "current".
	Location *time.Location
	Clock    quartz.Clock
	Logger   slog.Logger
	Metrics  *metrics.Metrics
}

type Store struct {
	backend       Backend
	version       int
	capacityBytes int64
	maxEntryBytes int64
	ttl           time.Duration
	loc           *time.Location
	clock         quartz.Clock
	logger        slog.Logger
	metrics       *metrics.Metrics
	codec         *chunkCodec

	// writeMu serializes Put so quota accounting and eviction see a stable
	// listing.
	writeMu sync.Mutex
}

// Open wraps backend in a Store and removes entries written under any other
// schema version.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: cache backend is required", ErrInvalidInput)
	}
	codec, err := newChunkCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend:       opts.Backend,
		version:       opts.SchemaVersion,
		capacityBytes: opts.CapacityBytes,
		maxEntryBytes: opts.MaxEntryBytes,
		ttl:           opts.TTL,
		loc:           opts.Location,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("cachestore"),
		metrics:       opts.Metrics,
		codec:         codec,
	}
	if s.version <= 0 {
		s.version = DefaultSchemaVersion
	}
	if s.capacityBytes <= 0 {
		s.capacityBytes = DefaultCapacityBytes
	}
	if s.maxEntryBytes <= 0 {
		s.maxEntryBytes = DefaultMaxEntryBytes
	}
	if s.maxEntryBytes > s.capacityBytes {
		s.maxEntryBytes = s.capacityBytes
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if err := s.prune(ctx); err != nil {
		codec.close()
		return nil, fmt.Errorf("prune stale cache entries: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.codec.close()
	return s.backend.Close()
}

func (s *Store) SchemaVersion() int {
	return s.version
}

// Get returns the chunk for (tenant, year, month). Missing entries, entries of
// another schema version and undecodable entries are all reported as absent.
func (s *Store) Get(ctx context.Context, tenantID string, year int, month time.Month) (Chunk, bool, error) {
	key := s.key(tenantID, year, month)
	payload, err := s.backend.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Chunk{}, false, nil
	}
	if err != nil {
		return Chunk{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	chunk, err := s.codec.decode(payload)
	if err != nil {
		s.logger.Warn(ctx, "discarding undecodable cache chunk", slog.F("key", key), slog.Error(err))
		return Chunk{}, false, nil
	}
	if chunk.SchemaVersion != s.version || chunk.TenantID != tenantID {
		return Chunk{}, false, nil
	}
	return chunk, true, nil
}

// Usable reports whether chunk may be served without refetching: it is not
// the current calendar month and was cached less than the TTL ago.
func (s *Store) Usable(chunk Chunk) bool {
	now := s.clock.Now("cachestore", "usable")
	if s.IsCurrentMonth(chunk.Year, chunk.Month) {
		return false
	}
	return now.Sub(chunk.CachedAt) < s.ttl
}

func (s *Store) IsCurrentMonth(year int, month time.Month) bool {
	now := s.clock.Now("cachestore", "current_month").In(s.loc)
	return now.Year() == year && now.Month() == month
}

// Put writes the chunk for (tenant, year, month), evicting the tenant's
// oldest months when the quota would be exceeded. A write that cannot fit
// returns *QuotaExceededError and leaves the store unchanged.
func (s *Store) Put(ctx context.Context, tenantID string, year int, month time.Month, recs []records.DailyAccountRecord) error {
	if strings.TrimSpace(tenantID) == "" || month < time.January || month > time.December {
		return ErrInvalidInput
	}
	chunk := Chunk{
		SchemaVersion: s.version,
		TenantID:      tenantID,
		Year:          year,
		Month:         month,
		Records:       recs,
		CachedAt:      s.clock.Now("cachestore", "put"),
	}
	payload, err := s.codec.encode(chunk)
	if err != nil {
		s.metrics.CacheWrite("error")
		return fmt.Errorf("encode chunk: %w", err)
	}
	size := int64(len(payload))
	if size > s.maxEntryBytes {
		s.metrics.CacheWrite("too_large")
		return &QuotaExceededError{TenantID: tenantID, Year: year, Month: month, Size: size, Available: s.maxEntryBytes, TooLarge: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := s.key(tenantID, year, month)
	entries, err := s.backend.List(ctx, s.versionPrefix())
	if err != nil {
		s.metrics.CacheWrite("error")
		return fmt.Errorf("list cache entries: %w", err)
	}
	var used int64
	var evictable []Entry
	tenantPrefix := s.tenantPrefix(tenantID)
	for _, entry := range entries {
		if entry.Key == key {
			continue
		}
		used += entry.Size
		if strings.HasPrefix(entry.Key, tenantPrefix) {
			evictable = append(evictable, entry)
		}
	}
	// Month keys are zero-padded, so key order is chronological.
	sort.Slice(evictable, func(i, j int) bool { return evictable[i].Key < evictable[j].Key })

	var freeable int64
	for _, entry := range evictable {
		freeable += entry.Size
	}
	if used-freeable+size > s.capacityBytes {
		s.metrics.CacheWrite("quota_exceeded")
		return &QuotaExceededError{TenantID: tenantID, Year: year, Month: month, Size: size, Available: s.capacityBytes - (used - freeable)}
	}
	for _, entry := range evictable {
		if used+size <= s.capacityBytes {
			break
		}
		if err := s.backend.Delete(ctx, entry.Key); err != nil {
			s.metrics.CacheWrite("error")
			return fmt.Errorf("evict %s: %w", entry.Key, err)
		}
		used -= entry.Size
		s.metrics.CacheEvicted(tenantID)
		s.logger.Debug(ctx, "evicted cache chunk", slog.F("key", entry.Key), slog.F("bytes", entry.Size))
	}

	if err := s.backend.Save(ctx, key, payload); err != nil {
		s.metrics.CacheWrite("error")
		return fmt.Errorf("save %s: %w", key, err)
	}
	s.metrics.CacheWrite("stored")
	s.metrics.CacheUsage(used + size)
	return nil
}

// Usage returns the bytes held by entries of the current schema version.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	entries, err := s.backend.List(ctx, s.versionPrefix())
	if err != nil {
		return 0, err
	}
	var used int64
	for _, entry := range entries {
		used += entry.Size
	}
	return used, nil
}

func (s *Store) prune(ctx context.Context) error {
	entries, err := s.backend.List(ctx, "")
	if err != nil {
		return err
	}
	current := s.versionPrefix()
	removed := 0
	for _, entry := range entries {
		// Backends may share a bucket or table with data this store never wrote.
		if strings.HasPrefix(entry.Key, current) || !chunkKeyPattern.MatchString(entry.Key) {
			continue
		}
		if err := s.backend.Delete(ctx, entry.Key); err != nil {
			return fmt.Errorf("delete %s: %w", entry.Key, err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info(ctx, "pruned cache entries from other schema versions",
			slog.F("removed", removed),
			slog.F("schema_version", s.version),
		)
	}
	return nil
}

func (s *Store) versionPrefix() string {
	return "v" + strconv.Itoa(s.version) + "/"
}

func (s *Store) tenantPrefix(tenantID string) string {
	return s.versionPrefix() + tenantID + "/"
}

func (s *Store) key(tenantID string, year int, month time.Month) string {
	return fmt.Sprintf("%s%04d-%02d", s.tenantPrefix(tenantID), year, int(month))
}
