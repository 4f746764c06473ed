package records

import (
	"sort"
	"time"
)

// Merge returns the union of existing and incoming keyed by identity. Incoming
// records replace existing ones with the same key. Neither input is modified
// and the result is ordered by tenant, date, then visitor.
func Merge(existing, incoming []DailyAccountRecord) []DailyAccountRecord {
	byKey := make(map[Key]DailyAccountRecord, len(existing)+len(incoming))
	for _, record := range existing {
		byKey[record.Key()] = record
	}
	for _, record := range incoming {
		byKey[record.Key()] = record
	}
	return sortedValues(byKey)
}

func sortedValues(byKey map[Key]DailyAccountRecord) []DailyAccountRecord {
	keys := make([]Key, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	out := make([]DailyAccountRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, byKey[key])
	}
	return out
}

// Dataset is an immutable snapshot of the merged record set. Merging produces
// a new Dataset; the receiver is never changed.
type Dataset struct {
	records  []DailyAccountRecord
	byTenant map[string]int
	builtAt  time.Time
}

func NewDataset(recs []DailyAccountRecord, builtAt time.Time) *Dataset {
	merged := Merge(nil, recs)
	return newDataset(merged, builtAt)
}

func newDataset(merged []DailyAccountRecord, builtAt time.Time) *Dataset {
	counts := map[string]int{}
	for _, record := range merged {
		counts[record.TenantID]++
	}
	return &Dataset{records: merged, byTenant: counts, builtAt: builtAt}
}

// Merge returns a new Dataset with incoming applied on top of d.
func (d *Dataset) Merge(incoming []DailyAccountRecord, builtAt time.Time) *Dataset {
	return newDataset(Merge(d.Records(), incoming), builtAt)
}

// Records returns a copy of the record slice.
func (d *Dataset) Records() []DailyAccountRecord {
	if d == nil {
		return nil
	}
	out := make([]DailyAccountRecord, len(d.records))
	copy(out, d.records)
	return out
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}

func (d *Dataset) TenantLen(tenantID string) int {
	if d == nil {
		return 0
	}
	return d.byTenant[tenantID]
}

func (d *Dataset) BuiltAt() time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.builtAt
}
