// Package analytics derives metric snapshots from the merged record set.
// Every snapshot is recomputed from scratch; nothing is cached between calls.
package analytics

import (
	"context"
	"strings"
	"time"

	"cdr.dev/slog/v3"

	"github.com/agentworkforce/clinicsync/internal/metrics"
	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/taxonomy"
)

const (
	AllTenants = "all"

	DefaultDailyWindowDays = 30
	DefaultYoYWindowMonths = 6
	monthLayout            = "2006-01"
)

// Query selects the records a snapshot is computed over. Start and End are
// inclusive civil dates; a zero value leaves that side open. Now anchors the
// "current month" when End is open or later than Now.
type Query struct {
	Tenant string
	Start  time.Time
	End    time.Time
	Now    time.Time
}

func (q Query) matchesTenant(tenantID string) bool {
	return q.Tenant == "" || strings.EqualFold(q.Tenant, AllTenants) || q.Tenant == tenantID
}

func (q Query) inRange(day time.Time) bool {
	if !q.Start.IsZero() && day.Before(records.CivilDate(q.Start)) {
		return false
	}
	if !q.End.IsZero() && day.After(records.CivilDate(q.End)) {
		return false
	}
	return true
}

// anchorDay is the last day the snapshot reports on: End when it lies before
// today, otherwise today.
func (q Query) anchorDay(loc *time.Location) time.Time {
	today := records.CivilDate(q.Now.In(loc))
	if !q.End.IsZero() {
		end := records.CivilDate(q.End)
		if end.Before(today) {
			return end
		}
	}
	return today
}

type Snapshot struct {
	Tenant      string `json:"tenant"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	AnchorMonth string `json:"anchorMonth"`
	RecordCount int    `json:"recordCount"`

	CurrentMonth            KPIs            `json:"currentMonth"`
	MonthlyTrend            []MonthBucket   `json:"monthlyTrend"`
	DailyTrend              []DayBucket     `json:"dailyTrend"`
	YearOverYear            YearOverYear    `json:"yearOverYear"`
	Demographics            Demographics    `json:"demographics"`
	Treatments              []SpecialtyNode `json:"treatments"`
	ClassificationFallbacks int             `json:"classificationFallbacks"`
}

type KPIs struct {
	Visits       int   `json:"visits"`
	FirstVisits  int   `json:"firstVisits"`
	RepeatVisits int   `json:"repeatVisits"`
	Revenue      int64 `json:"revenue"`
	NetRevenue   int64 `json:"netRevenue"`
	UnitPrice    int64 `json:"unitPrice"`
}

type Options struct {
	Classifier      *taxonomy.Classifier
	Location        *time.Location
	DailyWindowDays int
	YoYWindowMonths int
	Logger          slog.Logger
	Metrics         *metrics.Metrics
}

type Engine struct {
	classifier *taxonomy.Classifier
	loc        *time.Location
	dailyDays  int
	yoyMonths  int
	logger     slog.Logger
	metrics    *metrics.Metrics
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		classifier: opts.Classifier,
		loc:        opts.Location,
		dailyDays:  opts.DailyWindowDays,
		yoyMonths:  opts.YoYWindowMonths,
		logger:     opts.Logger.Named("analytics"),
		metrics:    opts.Metrics,
	}
	if e.classifier == nil {
		e.classifier = taxonomy.Default()
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.dailyDays <= 0 {
		e.dailyDays = DefaultDailyWindowDays
	}
	if e.yoyMonths <= 0 {
		e.yoyMonths = DefaultYoYWindowMonths
	}
	return e
}

// Compute builds the snapshot for q. The monthly trend, daily trend and
// year-over-year comparison cover all of the tenant selection's records; KPIs,
// demographics and treatments cover only records inside [Start, End].
func (e *Engine) Compute(ctx context.Context, recs []records.DailyAccountRecord, q Query) Snapshot {
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	if strings.TrimSpace(q.Tenant) == "" {
		q.Tenant = AllTenants
	}
	anchor := q.anchorDay(e.loc)

	var tenantRecs, filtered, anchorMonth []records.DailyAccountRecord
	for _, r := range recs {
		if !q.matchesTenant(r.TenantID) {
			continue
		}
		tenantRecs = append(tenantRecs, r)
		if !q.inRange(r.RecordDate) {
			continue
		}
		filtered = append(filtered, r)
		if sameMonth(r.RecordDate, anchor) {
			anchorMonth = append(anchorMonth, r)
		}
	}

	snap := Snapshot{
		Tenant:       q.Tenant,
		AnchorMonth:  anchor.Format(monthLayout),
		RecordCount:  len(filtered),
		CurrentMonth: computeKPIs(anchorMonth),
		MonthlyTrend: monthlyTrend(tenantRecs, anchor),
		DailyTrend:   dailyTrend(tenantRecs, anchor, e.dailyDays),
		YearOverYear: yearOverYear(tenantRecs, anchor, e.yoyMonths),
		Demographics: demographics(anchorMonth),
	}
	if !q.Start.IsZero() {
		snap.Start = records.FormatDate(records.CivilDate(q.Start))
	}
	if !q.End.IsZero() {
		snap.End = records.FormatDate(records.CivilDate(q.End))
	}
	snap.Treatments, snap.ClassificationFallbacks = e.treatmentHierarchy(filtered)
	if snap.ClassificationFallbacks > 0 {
		e.logger.Debug(ctx, "records classified into the default bucket",
			slog.F("tenant", q.Tenant),
			slog.F("count", snap.ClassificationFallbacks),
		)
		e.metrics.ClassificationFallbacks(snap.ClassificationFallbacks)
	}
	return snap
}

func computeKPIs(recs []records.DailyAccountRecord) KPIs {
	var k KPIs
	for _, r := range recs {
		k.Visits++
		if r.IsFirstVisit {
			k.FirstVisits++
		} else {
			k.RepeatVisits++
		}
		k.Revenue += r.TotalAmount
		k.NetRevenue += r.NetAmount()
	}
	k.UnitPrice = unitPrice(k.Revenue, k.Visits)
	return k
}

func unitPrice(revenue int64, count int) int64 {
	if count == 0 {
		return 0
	}
	return revenue / int64(count)
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func monthStart(t time.Time) time.Time {
	return records.Date(t.Year(), t.Month(), 1)
}
