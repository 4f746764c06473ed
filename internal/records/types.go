// Package records holds the normalized transaction model shared by the fetch,
// cache, merge and aggregation layers.
package records

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderUnknown = "unknown"
)

type PaymentLineItem struct {
	Category       string `json:"category,omitempty"`
	Name           string `json:"name,omitempty"`
	StaffName      string `json:"staffName,omitempty"`
	PriceWithTax   int64  `json:"priceWithTax"`
	Discount       int64  `json:"discount,omitempty"`
	AdvancePayment int64  `json:"advancePayment,omitempty"`
}

// DailyAccountRecord is one visitor's account for one day at one clinic.
// RecordDate is a civil date stored as midnight UTC.
type DailyAccountRecord struct {
	TenantID             string            `json:"tenantId"`
	VisitorID            string            `json:"visitorId"`
	VisitorName          string            `json:"visitorName,omitempty"`
	RecordDate           time.Time         `json:"recordDate"`
	TotalAmount          int64             `json:"totalAmount"`
	IsFirstVisit         bool              `json:"isFirstVisit"`
	InflowSource         string            `json:"inflowSource,omitempty"`
	Gender               string            `json:"gender,omitempty"`
	Age                  int               `json:"age,omitempty"`
	LineItems            []PaymentLineItem `json:"lineItems,omitempty"`
	CancelPriceWithTax   int64             `json:"cancelPriceWithTax,omitempty"`
	CancelAdvancePayment int64             `json:"cancelAdvancePayment,omitempty"`
}

// Key identifies a record inside the merged dataset.
type Key struct {
	TenantID  string
	VisitorID string
	Date      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.TenantID, k.VisitorID, k.Date)
}

func (k Key) less(other Key) bool {
	if k.TenantID != other.TenantID {
		return k.TenantID < other.TenantID
	}
	if k.Date != other.Date {
		return k.Date < other.Date
	}
	return k.VisitorID < other.VisitorID
}

func (r DailyAccountRecord) Key() Key {
	return Key{
		TenantID:  r.TenantID,
		VisitorID: r.VisitorID,
		Date:      r.RecordDate.Format(dateLayout),
	}
}

// NetAmount is the total minus any cancellations posted against the record.
func (r DailyAccountRecord) NetAmount() int64 {
	return r.TotalAmount - r.CancelPriceWithTax - r.CancelAdvancePayment
}

// PrimaryLineItem is the first posted line item.
func (r DailyAccountRecord) PrimaryLineItem() (PaymentLineItem, bool) {
	if len(r.LineItems) == 0 {
		return PaymentLineItem{}, false
	}
	return r.LineItems[0], true
}

// Date returns the civil date y-m-d as midnight UTC.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// CivilDate drops the clock and zone of t, keeping the calendar day as seen in t's location.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// ParseDate parses a yyyy-mm-dd civil date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	return CivilDate(t), nil
}

func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}
