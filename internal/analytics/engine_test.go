package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/taxonomy"
)

func visit(tenant, visitor string, date time.Time, amount int64, first bool) records.DailyAccountRecord {
	return records.DailyAccountRecord{
		TenantID:     tenant,
		VisitorID:    visitor,
		RecordDate:   date,
		TotalAmount:  amount,
		IsFirstVisit: first,
	}
}

func treatment(r records.DailyAccountRecord, category, name string) records.DailyAccountRecord {
	r.LineItems = []records.PaymentLineItem{{Category: category, Name: name, PriceWithTax: r.TotalAmount}}
	return r
}

func newTestEngine() *Engine {
	return NewEngine(Options{})
}

func TestCurrentMonthKPIs(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		visit("yokohama", "v1", records.Date(2024, time.January, 5), 10000, true),
		visit("yokohama", "v2", records.Date(2024, time.January, 20), 5000, false),
		visit("shibuya", "v3", records.Date(2024, time.January, 21), 99000, true),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Tenant: "yokohama",
		Start:  records.Date(2024, time.January, 1),
		End:    records.Date(2024, time.January, 31),
		Now:    time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
	})

	require.Equal(t, "2024-01", snap.AnchorMonth)
	require.Equal(t, KPIs{
		Visits:       2,
		FirstVisits:  1,
		RepeatVisits: 1,
		Revenue:      15000,
		NetRevenue:   15000,
		UnitPrice:    7500,
	}, snap.CurrentMonth)
	require.Equal(t, 2, snap.RecordCount)
}

func TestKPIsWithoutRecordsAreZero(t *testing.T) {
	t.Parallel()

	snap := newTestEngine().Compute(context.Background(), nil, Query{Now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)})
	require.Equal(t, KPIs{}, snap.CurrentMonth)
	require.Empty(t, snap.MonthlyTrend)
	require.Len(t, snap.DailyTrend, DefaultDailyWindowDays)
	require.Equal(t, AllTenants, snap.Tenant)
}

func TestNetRevenueSubtractsCancellations(t *testing.T) {
	t.Parallel()

	r := visit("mito", "v1", records.Date(2024, 3, 2), 20000, true)
	r.CancelPriceWithTax = 3000
	r.CancelAdvancePayment = 1000
	snap := newTestEngine().Compute(context.Background(), []records.DailyAccountRecord{r}, Query{
		Now: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	require.Equal(t, int64(20000), snap.CurrentMonth.Revenue)
	require.Equal(t, int64(16000), snap.CurrentMonth.NetRevenue)
	require.Equal(t, int64(16000), snap.MonthlyTrend[0].NetRevenue)
}

func TestMonthlyTrendZeroFillsGaps(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		visit("mito", "v1", records.Date(2024, time.January, 10), 1000, true),
		visit("mito", "v2", records.Date(2024, time.March, 5), 3000, false),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		End: records.Date(2024, time.March, 31),
		Now: time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
	})

	require.Equal(t, []MonthBucket{
		{Month: "2024-01", Visits: 1, Revenue: 1000, NetRevenue: 1000},
		{Month: "2024-02"},
		{Month: "2024-03", Visits: 1, Revenue: 3000, NetRevenue: 3000},
	}, snap.MonthlyTrend)
}

func TestMonthlyTrendExtendsToAnchorMonth(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		visit("mito", "v1", records.Date(2024, time.January, 10), 1000, true),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Now: time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC),
	})
	require.Len(t, snap.MonthlyTrend, 3)
	require.Equal(t, "2024-03", snap.MonthlyTrend[2].Month)
	require.Zero(t, snap.MonthlyTrend[2].Visits)
}

func TestDailyTrendWindow(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		visit("mito", "v1", records.Date(2024, time.February, 19), 500, true),
		visit("mito", "v2", records.Date(2024, time.February, 20), 700, true),
		visit("mito", "v3", records.Date(2024, time.March, 20), 900, true),
		visit("mito", "v4", records.Date(2024, time.March, 20), 100, false),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Now: time.Date(2024, time.March, 20, 18, 0, 0, 0, time.UTC),
	})

	require.Len(t, snap.DailyTrend, 30)
	first, last := snap.DailyTrend[0], snap.DailyTrend[29]
	assert.Equal(t, DayBucket{Date: "2024-02-20", Visits: 1, Revenue: 700}, first)
	assert.Equal(t, DayBucket{Date: "2024-03-20", Visits: 2, Revenue: 1000}, last)
	assert.Equal(t, DayBucket{Date: "2024-02-29"}, snap.DailyTrend[9])
}

func TestAnchorFollowsLocation(t *testing.T) {
	t.Parallel()

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	engine := NewEngine(Options{Location: tokyo})

	// 2024-03-31 16:00 UTC is already April in Tokyo.
	snap := engine.Compute(context.Background(), nil, Query{Now: time.Date(2024, 3, 31, 16, 0, 0, 0, time.UTC)})
	require.Equal(t, "2024-04", snap.AnchorMonth)
	require.Equal(t, "2024-04-01", snap.DailyTrend[len(snap.DailyTrend)-1].Date)
}

func TestYearOverYear(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		// previous window 2023-04..2023-09
		visit("mito", "p1", records.Date(2023, time.April, 1), 1000, true),
		visit("mito", "p2", records.Date(2023, time.September, 30), 1000, true),
		// current window 2023-10..2024-03
		visit("mito", "c1", records.Date(2023, time.October, 1), 1500, true),
		visit("mito", "c2", records.Date(2024, time.January, 1), 1000, true),
		visit("mito", "c3", records.Date(2024, time.March, 15), 500, true),
		// outside both
		visit("mito", "x1", records.Date(2023, time.March, 31), 9999, true),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Now: time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC),
	})

	y := snap.YearOverYear
	require.Equal(t, "2023-10", y.CurrentFrom)
	require.Equal(t, "2024-03", y.CurrentTo)
	require.Equal(t, "2023-04", y.PreviousFrom)
	require.Equal(t, "2023-09", y.PreviousTo)
	require.Equal(t, 3, y.CurrentVisits)
	require.Equal(t, 2, y.PreviousVisits)
	require.Equal(t, int64(3000), y.CurrentRevenue)
	require.Equal(t, int64(2000), y.PreviousRevenue)
	require.InDelta(t, 50.0, y.VisitGrowth, 1e-9)
	require.InDelta(t, 50.0, y.RevenueGrowth, 1e-9)
}

func TestYearOverYearZeroPrevious(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		visit("mito", "c1", records.Date(2024, time.March, 1), 1500, true),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Now: time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC),
	})
	require.Zero(t, snap.YearOverYear.VisitGrowth)
	require.Zero(t, snap.YearOverYear.RevenueGrowth)
}

func TestDemographicsSorting(t *testing.T) {
	t.Parallel()

	mk := func(visitor string, age int, gender, inflow string, first bool, tenant string) records.DailyAccountRecord {
		r := visit(tenant, visitor, records.Date(2024, time.March, 3), 1000, first)
		r.Age = age
		r.Gender = gender
		r.InflowSource = inflow
		return r
	}
	recs := []records.DailyAccountRecord{
		mk("v1", 25, records.GenderFemale, "instagram", true, "mito"),
		mk("v2", 29, records.GenderFemale, "web", false, "shibuya"),
		mk("v3", 34, records.GenderMale, "", false, "shibuya"),
		mk("v4", 0, records.GenderFemale, "web", false, "mito"),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Now: time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC),
	})

	d := snap.Demographics
	require.Equal(t, Histogram{Labels: []string{"20s", "30s", "unknown"}, Values: []int{2, 1, 1}}, d.AgeGroups)
	require.Equal(t, Histogram{Labels: []string{"female", "male"}, Values: []int{3, 1}}, d.Gender)
	require.Equal(t, Histogram{Labels: []string{"web", "instagram", "unknown"}, Values: []int{2, 1, 1}}, d.Inflow)
	require.Equal(t, Histogram{Labels: []string{"repeat", "first"}, Values: []int{3, 1}}, d.VisitType)
	require.Equal(t, Histogram{Labels: []string{"mito", "shibuya"}, Values: []int{2, 2}}, d.Clinics)
}

func TestTreatmentHierarchy(t *testing.T) {
	t.Parallel()

	day := records.Date(2024, time.March, 3)
	recs := []records.DailyAccountRecord{
		treatment(visit("mito", "v1", day, 300000, true), "外科", "二重埋没法 2点留め"),
		treatment(visit("mito", "v2", day, 100000, true), "外科", "二重切開"),
		treatment(visit("mito", "v3", day, 50000, false), "美容皮膚科", "ボトックス 額"),
		treatment(visit("mito", "v4", day, 20000, false), "物販", "ホームケアセット"),
		visit("mito", "v5", day, 1000, false),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Now: time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC),
	})

	require.Len(t, snap.Treatments, len(taxonomy.Specialties))
	require.Equal(t, 2, snap.ClassificationFallbacks)

	byID := map[string]SubcategoryNode{}
	for i, node := range snap.Treatments {
		require.Equal(t, taxonomy.Specialties[i], node.Specialty)
		var sum int64
		for _, sub := range node.Subcategories {
			byID[sub.CategoryID] = sub
			sum += sub.Revenue
		}
		require.Equal(t, node.Revenue, sum, "specialty %s revenue must equal its subcategories", node.Specialty)
	}

	eyelid := byID["surgery.double_eyelid"]
	require.Equal(t, 2, eyelid.Count)
	require.Equal(t, int64(400000), eyelid.Revenue)
	require.Equal(t, int64(200000), eyelid.UnitPrice)

	require.Equal(t, 1, byID["dermatology.botox"].Count)
	require.Equal(t, 2, byID["other.products"].Count)
	require.Equal(t, int64(21000), byID["other.products"].Revenue)

	// Empty nodes are still reported.
	nose, ok := byID["surgery.nose"]
	require.True(t, ok)
	require.Zero(t, nose.Count)
	require.Zero(t, nose.UnitPrice)

	surgery := snap.Treatments[0]
	require.Equal(t, 2, surgery.Count)
	require.Equal(t, int64(200000), surgery.UnitPrice)
}

func TestTreatmentsRespectDateFilter(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		treatment(visit("mito", "v1", records.Date(2024, time.February, 3), 1000, true), "", "ボトックス"),
		treatment(visit("mito", "v2", records.Date(2024, time.March, 3), 2000, true), "", "ボトックス"),
	}
	snap := newTestEngine().Compute(context.Background(), recs, Query{
		Start: records.Date(2024, time.March, 1),
		Now:   time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC),
	})
	var botox SubcategoryNode
	for _, sub := range snap.Treatments[1].Subcategories {
		if sub.Subcategory == "botox" {
			botox = sub
		}
	}
	require.Equal(t, 1, botox.Count)
	require.Equal(t, int64(2000), botox.Revenue)
	// Trends ignore the date filter.
	require.Len(t, snap.MonthlyTrend, 2)
}

func TestComputeIsDeterministic(t *testing.T) {
	t.Parallel()

	recs := []records.DailyAccountRecord{
		treatment(visit("mito", "v1", records.Date(2024, 1, 5), 1000, true), "", "ピーリング"),
		visit("shibuya", "v2", records.Date(2024, 2, 5), 2000, false),
	}
	q := Query{Tenant: "all", Now: time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)}
	engine := newTestEngine()
	require.Equal(t, engine.Compute(context.Background(), recs, q), engine.Compute(context.Background(), recs, q))
}
