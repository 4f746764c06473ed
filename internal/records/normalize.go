package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingDate     = errors.New("record has no date")
	ErrMissingIdentity = errors.New("record has no visitor identity")
)

// Upstream payloads use several spellings for the same field depending on API
// version; each list is tried in order.
var (
	dateFields      = []string{"recordDate", "visitDate", "date", "accountDate", "createdAt"}
	visitorFields   = []string{"visitorId", "patientId", "visitorCode", "customerId", "visitorName"}
	nameFields      = []string{"visitorName", "patientName", "name"}
	amountFields    = []string{"totalAmount", "amount", "billingAmount", "totalPriceWithTax"}
	firstFields     = []string{"isFirst", "isFirstVisit", "firstVisit"}
	inflowFields    = []string{"inflowSource", "visitorInflowSourceName", "inflowSourceName", "source"}
	genderFields    = []string{"visitorGender", "gender", "sex"}
	ageFields       = []string{"visitorAge", "age"}
	birthdayFields  = []string{"visitorBirthday", "birthday", "birthDate"}
	itemsFields     = []string{"paymentItems", "lineItems", "items", "payments"}
	cancelFields    = []string{"cancelPriceWithTax", "cancelAmount"}
	cancelAdvFields = []string{"cancelAdvancePayment"}

	itemCategoryFields = []string{"category", "categoryName", "treatmentCategory"}
	itemNameFields     = []string{"name", "itemName", "treatmentName", "menuName"}
	itemStaffFields    = []string{"mainStaffName", "staffName", "staff"}
	itemPriceFields    = []string{"priceWithTax", "price", "amount"}
	itemDiscountFields = []string{"discount", "discountAmount"}
	itemAdvanceFields  = []string{"advancePayment", "advance"}
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006/01/02 15:04:05",
}

// Normalize decodes one raw upstream value into a DailyAccountRecord. Dates
// carrying a clock are interpreted in loc before the calendar day is taken.
// Unknown fields are ignored.
func Normalize(tenantID string, raw json.RawMessage, loc *time.Location) (DailyAccountRecord, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return DailyAccountRecord{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if loc == nil {
		loc = time.UTC
	}
	fields, err := decodeObject(raw)
	if err != nil {
		return DailyAccountRecord{}, err
	}

	date, ok := firstDate(fields, dateFields, loc)
	if !ok {
		return DailyAccountRecord{}, ErrMissingDate
	}
	visitor := firstString(fields, visitorFields)
	if visitor == "" {
		return DailyAccountRecord{}, ErrMissingIdentity
	}

	record := DailyAccountRecord{
		TenantID:             tenantID,
		VisitorID:            visitor,
		VisitorName:          firstString(fields, nameFields),
		RecordDate:           date,
		IsFirstVisit:         firstBool(fields, firstFields),
		InflowSource:         firstString(fields, inflowFields),
		Gender:               normalizeGender(firstString(fields, genderFields)),
		CancelPriceWithTax:   firstAmount(fields, cancelFields),
		CancelAdvancePayment: firstAmount(fields, cancelAdvFields),
	}
	if age, ok := firstNumber(fields, ageFields); ok && age > 0 {
		record.Age = int(age)
	} else if birthday, ok := firstDate(fields, birthdayFields, loc); ok {
		record.Age = ageAt(birthday, date)
	}

	for _, name := range itemsFields {
		items, ok := fields[name].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			record.LineItems = append(record.LineItems, PaymentLineItem{
				Category:       firstString(obj, itemCategoryFields),
				Name:           firstString(obj, itemNameFields),
				StaffName:      firstString(obj, itemStaffFields),
				PriceWithTax:   firstAmount(obj, itemPriceFields),
				Discount:       firstAmount(obj, itemDiscountFields),
				AdvancePayment: firstAmount(obj, itemAdvanceFields),
			})
		}
		break
	}

	if total, ok := firstNumber(fields, amountFields); ok {
		record.TotalAmount = roundAmount(total)
	} else {
		for _, item := range record.LineItems {
			record.TotalAmount += item.PriceWithTax - item.Discount
		}
	}
	return record, nil
}

// NormalizeAll normalizes a batch, returning the records that could be
// normalized and the number that were rejected.
func NormalizeAll(tenantID string, raws []json.RawMessage, loc *time.Location) ([]DailyAccountRecord, int) {
	out := make([]DailyAccountRecord, 0, len(raws))
	rejected := 0
	for _, raw := range raws {
		record, err := Normalize(tenantID, raw, loc)
		if err != nil {
			rejected++
			continue
		}
		out = append(out, record)
	}
	return out, rejected
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidInput)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: record is not an object", ErrInvalidInput)
	}
	return fields, nil
}

func firstString(fields map[string]any, names []string) string {
	for _, name := range names {
		switch v := fields[name].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstNumber(fields map[string]any, names []string) (float64, bool) {
	for _, name := range names {
		switch v := fields[name].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstAmount(fields map[string]any, names []string) int64 {
	f, _ := firstNumber(fields, names)
	return roundAmount(f)
}

func firstBool(fields map[string]any, names []string) bool {
	for _, name := range names {
		switch v := fields[name].(type) {
		case bool:
			return v
		case json.Number:
			return v.String() != "0"
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes", "first", "new":
				return true
			case "false", "0", "no", "repeat", "existing":
				return false
			}
		}
	}
	return false
}

func firstDate(fields map[string]any, names []string, loc *time.Location) (time.Time, bool) {
	for _, name := range names {
		raw, ok := fields[name].(string)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range dateLayouts {
			var t time.Time
			var err error
			if layout == time.RFC3339Nano {
				t, err = time.Parse(layout, raw)
				if err == nil {
					t = t.In(loc)
				}
			} else {
				t, err = time.ParseInLocation(layout, raw, loc)
			}
			if err == nil {
				return CivilDate(t), true
			}
		}
	}
	return time.Time{}, false
}

func normalizeGender(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male", "m", "man", "男性", "男", "1":
		return GenderMale
	case "female", "f", "woman", "女性", "女", "2":
		return GenderFemale
	default:
		return GenderUnknown
	}
}

func ageAt(birthday, on time.Time) int {
	if birthday.After(on) {
		return 0
	}
	age := on.Year() - birthday.Year()
	if on.Month() < birthday.Month() || (on.Month() == birthday.Month() && on.Day() < birthday.Day()) {
		age--
	}
	return age
}

func roundAmount(f float64) int64 {
	return int64(math.Round(f))
}
