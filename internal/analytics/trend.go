package analytics

import (
	"time"

	"github.com/agentworkforce/clinicsync/internal/records"
)

type MonthBucket struct {
	Month      string `json:"month"`
	Visits     int    `json:"visits"`
	Revenue    int64  `json:"revenue"`
	NetRevenue int64  `json:"netRevenue"`
}

type DayBucket struct {
	Date    string `json:"date"`
	Visits  int    `json:"visits"`
	Revenue int64  `json:"revenue"`
}

type YearOverYear struct {
	CurrentFrom     string  `json:"currentFrom"`
	CurrentTo       string  `json:"currentTo"`
	PreviousFrom    string  `json:"previousFrom"`
	PreviousTo      string  `json:"previousTo"`
	CurrentVisits   int     `json:"currentVisits"`
	PreviousVisits  int     `json:"previousVisits"`
	CurrentRevenue  int64   `json:"currentRevenue"`
	PreviousRevenue int64   `json:"previousRevenue"`
	VisitGrowth     float64 `json:"visitGrowth"`
	RevenueGrowth   float64 `json:"revenueGrowth"`
}

// monthlyTrend has one bucket per calendar month from the earliest record to
// the later of the latest record and the anchor month, zero-filled.
func monthlyTrend(recs []records.DailyAccountRecord, anchor time.Time) []MonthBucket {
	if len(recs) == 0 {
		return []MonthBucket{}
	}
	first, last := monthStart(recs[0].RecordDate), monthStart(recs[0].RecordDate)
	totals := map[string]*MonthBucket{}
	for _, r := range recs {
		m := monthStart(r.RecordDate)
		if m.Before(first) {
			first = m
		}
		if m.After(last) {
			last = m
		}
		label := m.Format(monthLayout)
		b, ok := totals[label]
		if !ok {
			b = &MonthBucket{Month: label}
			totals[label] = b
		}
		b.Visits++
		b.Revenue += r.TotalAmount
		b.NetRevenue += r.NetAmount()
	}
	if a := monthStart(anchor); a.After(last) {
		last = a
	}
	var out []MonthBucket
	for m := first; !m.After(last); m = m.AddDate(0, 1, 0) {
		label := m.Format(monthLayout)
		if b, ok := totals[label]; ok {
			out = append(out, *b)
			continue
		}
		out = append(out, MonthBucket{Month: label})
	}
	return out
}

// dailyTrend covers the days trailing window ending at anchor, zero-filled.
func dailyTrend(recs []records.DailyAccountRecord, anchor time.Time, days int) []DayBucket {
	from := anchor.AddDate(0, 0, -(days - 1))
	totals := map[time.Time]*DayBucket{}
	out := make([]DayBucket, 0, days)
	for d := from; !d.After(anchor); d = d.AddDate(0, 0, 1) {
		out = append(out, DayBucket{Date: records.FormatDate(d)})
	}
	for i := range out {
		d := from.AddDate(0, 0, i)
		totals[d] = &out[i]
	}
	for _, r := range recs {
		if b, ok := totals[r.RecordDate]; ok {
			b.Visits++
			b.Revenue += r.TotalAmount
		}
	}
	return out
}

// yearOverYear compares the months trailing window ending with the anchor
// month against the same number of months before it.
func yearOverYear(recs []records.DailyAccountRecord, anchor time.Time, months int) YearOverYear {
	currentEnd := monthStart(anchor).AddDate(0, 1, 0)
	currentStart := currentEnd.AddDate(0, -months, 0)
	previousStart := currentStart.AddDate(0, -months, 0)

	y := YearOverYear{
		CurrentFrom:  currentStart.Format(monthLayout),
		CurrentTo:    currentEnd.AddDate(0, -1, 0).Format(monthLayout),
		PreviousFrom: previousStart.Format(monthLayout),
		PreviousTo:   currentStart.AddDate(0, -1, 0).Format(monthLayout),
	}
	for _, r := range recs {
		switch {
		case !r.RecordDate.Before(currentStart) && r.RecordDate.Before(currentEnd):
			y.CurrentVisits++
			y.CurrentRevenue += r.TotalAmount
		case !r.RecordDate.Before(previousStart) && r.RecordDate.Before(currentStart):
			y.PreviousVisits++
			y.PreviousRevenue += r.TotalAmount
		}
	}
	y.VisitGrowth = growth(float64(y.CurrentVisits), float64(y.PreviousVisits))
	y.RevenueGrowth = growth(float64(y.CurrentRevenue), float64(y.PreviousRevenue))
	return y
}

// growth is the percentage change, 0 when previous is 0.
func growth(current, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}
