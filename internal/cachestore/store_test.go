package cachestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/clinicsync/internal/records"
)

var testNow = time.Date(2024, time.June, 15, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, backend Backend, clock quartz.Clock, opts Options) *Store {
	t.Helper()
	opts.Backend = backend
	opts.Clock = clock
	opts.Logger = slogtest.Make(t, nil)
	store, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.codec.close() })
	return store
}

func monthRecords(tenant string, year int, month time.Month, n int) []records.DailyAccountRecord {
	out := make([]records.DailyAccountRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, records.DailyAccountRecord{
			TenantID:    tenant,
			VisitorID:   fmt.Sprintf("visitor-%03d", i),
			VisitorName: fmt.Sprintf("Patient %d", i),
			RecordDate:  records.Date(year, month, 1+i%28),
			TotalAmount: int64(1000 * (i + 1)),
			Gender:      records.GenderFemale,
			LineItems: []records.PaymentLineItem{
				{Category: "皮膚科", Name: fmt.Sprintf("ボトックス %d", i), PriceWithTax: int64(1000 * (i + 1))},
			},
		})
	}
	return out
}

func TestChunkTTLBoundary(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	store := openTestStore(t, NewMemoryBackend(), clock, Options{})

	require.NoError(t, store.Put(ctx, "mito", 2024, time.March, monthRecords("mito", 2024, time.March, 3)))

	clock.Advance(23*time.Hour + 59*time.Minute)
	chunk, ok, err := store.Get(ctx, "mito", 2024, time.March)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chunk.Records, 3)
	require.True(t, store.Usable(chunk), "chunk cached 23h59m ago should be served")

	clock.Advance(2 * time.Minute)
	chunk, ok, err = store.Get(ctx, "mito", 2024, time.March)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, store.Usable(chunk), "chunk cached 24h1m ago should be refetched")
}

func TestCurrentMonthIsNeverUsable(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	store := openTestStore(t, NewMemoryBackend(), clock, Options{})

	require.NoError(t, store.Put(ctx, "yokohama", 2024, time.June, monthRecords("yokohama", 2024, time.June, 1)))
	chunk, ok, err := store.Get(ctx, "yokohama", 2024, time.June)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, store.IsCurrentMonth(2024, time.June))
	require.False(t, store.Usable(chunk))
}

func TestCurrentMonthFollowsLocation(t *testing.T) {
	clock := quartz.NewMock(t)
	// 2024-06-30 20:00 UTC is already July in Tokyo.
	clock.Set(time.Date(2024, time.June, 30, 20, 0, 0, 0, time.UTC))
	tokyo := time.FixedZone("JST", 9*60*60)
	store := openTestStore(t, NewMemoryBackend(), clock, Options{Location: tokyo})
	require.True(t, store.IsCurrentMonth(2024, time.July))
	require.False(t, store.IsCurrentMonth(2024, time.June))
}

func entrySizes(t *testing.T, backend Backend) map[string]int64 {
	t.Helper()
	entries, err := backend.List(context.Background(), "")
	require.NoError(t, err)
	out := map[string]int64{}
	for _, e := range entries {
		out[e.Key] = e.Size
	}
	return out
}

type sizedWrite struct {
	tenant string
	month  time.Month
	n      int
}

// measure writes every chunk into a throwaway store and returns each payload size.
func measure(t *testing.T, clock quartz.Clock, writes []sizedWrite) map[string]int64 {
	t.Helper()
	backend := NewMemoryBackend()
	store := openTestStore(t, backend, clock, Options{})
	for _, w := range writes {
		require.NoError(t, store.Put(context.Background(), w.tenant, 2024, w.month, monthRecords(w.tenant, 2024, w.month, w.n)))
	}
	return entrySizes(t, backend)
}

func TestPutEvictsOldestChunksOfSameTenant(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	writes := []sizedWrite{
		{"mito", time.January, 20},
		{"mito", time.February, 20},
		{"ueno", time.January, 20},
		{"mito", time.March, 20},
	}
	sizes := measure(t, clock, writes)
	var total int64
	for _, size := range sizes {
		total += size
	}

	backend := NewMemoryBackend()
	store := openTestStore(t, backend, clock, Options{CapacityBytes: total - 1})
	for _, w := range writes {
		require.NoError(t, store.Put(ctx, w.tenant, 2024, w.month, monthRecords(w.tenant, 2024, w.month, w.n)))
	}

	remaining := entrySizes(t, backend)
	require.NotContains(t, remaining, "v1/mito/2024-01", "oldest mito month should be evicted")
	require.Contains(t, remaining, "v1/mito/2024-02")
	require.Contains(t, remaining, "v1/mito/2024-03")
	require.Contains(t, remaining, "v1/ueno/2024-01", "other tenants are never evicted")

	used, err := store.Usage(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, used, total-1)
}

func TestPutSkipsWriteWhenQuotaCannotBeFreed(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	writes := []sizedWrite{
		{"ueno", time.January, 20},
		{"mito", time.March, 20},
	}
	sizes := measure(t, clock, writes)

	backend := NewMemoryBackend()
	store := openTestStore(t, backend, clock, Options{CapacityBytes: sizes["v1/ueno/2024-01"] + sizes["v1/mito/2024-03"] - 1})
	require.NoError(t, store.Put(ctx, "ueno", 2024, time.January, monthRecords("ueno", 2024, time.January, 20)))

	err := store.Put(ctx, "mito", 2024, time.March, monthRecords("mito", 2024, time.March, 20))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrQuotaExceeded))
	require.False(t, errors.Is(err, ErrEntryTooLarge))
	var quotaErr *QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	require.Equal(t, "mito", quotaErr.TenantID)
	require.Equal(t, time.March, quotaErr.Month)

	_, ok, err := store.Get(ctx, "mito", 2024, time.March)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.Get(ctx, "ueno", 2024, time.January)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPutRejectsOversizedEntry(t *testing.T) {
	clock := quartz.NewMock(t)
	store := openTestStore(t, NewMemoryBackend(), clock, Options{MaxEntryBytes: 16})
	err := store.Put(context.Background(), "mito", 2024, time.March, monthRecords("mito", 2024, time.March, 10))
	require.True(t, errors.Is(err, ErrEntryTooLarge))
	require.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestOverwriteDoesNotCountOldEntryTowardsQuota(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	sizes := measure(t, clock, []sizedWrite{{"mito", time.April, 20}})

	store := openTestStore(t, NewMemoryBackend(), clock, Options{CapacityBytes: sizes["v1/mito/2024-04"]})
	require.NoError(t, store.Put(ctx, "mito", 2024, time.April, monthRecords("mito", 2024, time.April, 20)))
	require.NoError(t, store.Put(ctx, "mito", 2024, time.April, monthRecords("mito", 2024, time.April, 20)))
}

func TestSchemaVersionChangeInvalidatesEntries(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	backend := NewMemoryBackend()

	v1 := openTestStore(t, backend, clock, Options{SchemaVersion: 1})
	require.NoError(t, v1.Put(ctx, "mito", 2024, time.February, monthRecords("mito", 2024, time.February, 2)))

	v2 := openTestStore(t, backend, clock, Options{SchemaVersion: 2})
	_, ok, err := v2.Get(ctx, "mito", 2024, time.February)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, entrySizes(t, backend), "entries of the old version are pruned on open")
}

func TestOpenLeavesForeignObjectsInSharedBucket(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	fake := &fakeS3{objects: map[string][]byte{
		"invoices/2024/report.pdf": []byte("pdf"),
		"v1":                       []byte("not a chunk"),
		"v1/Mito/2024-01":          []byte("not a chunk either"),
	}}
	backend := newS3Backend(fake, S3Config{Bucket: "shared-bucket"})

	v1 := openTestStore(t, backend, clock, Options{SchemaVersion: 1})
	require.NoError(t, v1.Put(ctx, "mito", 2024, time.January, monthRecords("mito", 2024, time.January, 2)))

	openTestStore(t, backend, clock, Options{SchemaVersion: 2})

	require.Contains(t, fake.objects, "invoices/2024/report.pdf")
	require.Contains(t, fake.objects, "v1")
	require.Contains(t, fake.objects, "v1/Mito/2024-01")
	require.NotContains(t, fake.objects, "v1/mito/2024-01", "chunks of the old version are still pruned")
}

func TestUndecodableEntryIsAbsent(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := openTestStore(t, backend, quartz.NewMock(t), Options{})
	require.NoError(t, backend.Save(ctx, "v1/mito/2024-01", []byte("not zstd")))
	_, ok, err := store.Get(ctx, "mito", 2024, time.January)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(testNow)
	store := openTestStore(t, backend, clock, Options{})
	t.Cleanup(func() { _ = backend.Close() })

	recs := monthRecords("yokohama", 2024, time.January, 5)
	require.NoError(t, store.Put(ctx, "yokohama", 2024, time.January, recs))
	require.NoError(t, store.Put(ctx, "yokohama", 2024, time.January, recs[:2]))

	chunk, ok, err := store.Get(ctx, "yokohama", 2024, time.January)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chunk.Records, 2)
	require.Equal(t, recs[0].RecordDate, chunk.Records[0].RecordDate)
	require.True(t, chunk.CachedAt.Equal(testNow))

	entries, err := backend.List(ctx, "v1/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Positive(t, entries[0].Size)

	require.NoError(t, backend.Delete(ctx, "v1/yokohama/2024-01"))
	_, err = backend.Load(ctx, "v1/yokohama/2024-01")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	require.NoError(t, backend.Save(ctx, "v1/mito/2024-03", []byte("one")))
	require.NoError(t, backend.Save(ctx, "v1/mito/2024-03", []byte("three")))
	require.NoError(t, backend.Save(ctx, "v2/mito/2024-03", []byte("x")))

	value, err := backend.Load(ctx, "v1/mito/2024-03")
	require.NoError(t, err)
	require.Equal(t, "three", string(value))

	entries, err := backend.List(ctx, "v1/")
	require.NoError(t, err)
	require.Equal(t, []Entry{{Key: "v1/mito/2024-03", Size: 5}}, entries)

	require.NoError(t, backend.Delete(ctx, "v1/mito/2024-03"))
	require.NoError(t, backend.Delete(ctx, "v1/mito/2024-03"))
	_, err = backend.Load(ctx, "v1/mito/2024-03")
	require.True(t, errors.Is(err, ErrNotFound))
}
