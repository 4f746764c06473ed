package fetch

import (
	"time"

	"github.com/agentworkforce/clinicsync/internal/records"
)

// MonthRange is one calendar month of a requested range, clipped to the
// range bounds. From and To are inclusive civil dates.
type MonthRange struct {
	Year  int
	Month time.Month
	From  time.Time
	To    time.Time
}

// Full reports whether the range covers the whole calendar month.
func (m MonthRange) Full() bool {
	return m.From.Day() == 1 && m.To.Equal(lastDayOfMonth(m.Year, m.Month))
}

func (m MonthRange) String() string {
	return records.FormatDate(m.From) + ".." + records.FormatDate(m.To)
}

// PlanMonths splits [from, to] into chronologically ordered month ranges.
// Inputs are reduced to civil dates; an inverted range yields nothing.
func PlanMonths(from, to time.Time) []MonthRange {
	from = records.CivilDate(from)
	to = records.CivilDate(to)
	if to.Before(from) {
		return nil
	}
	var out []MonthRange
	cursor := records.Date(from.Year(), from.Month(), 1)
	for !cursor.After(to) {
		year, month := cursor.Year(), cursor.Month()
		start := cursor
		if start.Before(from) {
			start = from
		}
		end := lastDayOfMonth(year, month)
		if end.After(to) {
			end = to
		}
		out = append(out, MonthRange{Year: year, Month: month, From: start, To: end})
		cursor = cursor.AddDate(0, 1, 0)
	}
	return out
}

func lastDayOfMonth(year int, month time.Month) time.Time {
	return records.Date(year, month+1, 0)
}
