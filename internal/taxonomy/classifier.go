// Package taxonomy maps payment line items onto the clinic treatment taxonomy.
package taxonomy

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

type Specialty string

const (
	SpecialtySurgery     Specialty = "surgery"
	SpecialtyDermatology Specialty = "dermatology"
	SpecialtyHairRemoval Specialty = "hair_removal"
	SpecialtyOther       Specialty = "other"
)

// SubcategoryProducts is the default bucket for anything no rule claims.
const SubcategoryProducts = "products"

// Specialties lists every specialty in display order.
var Specialties = []Specialty{
	SpecialtySurgery,
	SpecialtyDermatology,
	SpecialtyHairRemoval,
	SpecialtyOther,
}

type Classification struct {
	Specialty   Specialty `json:"specialty"`
	Subcategory string    `json:"subcategory"`
	CategoryID  string    `json:"categoryId"`
	// Fallback is set when no rule matched and the default was applied.
	Fallback bool `json:"fallback,omitempty"`
}

// Predicate reports whether a normalized (NFKC, lower-cased) text matches.
type Predicate func(text string) bool

type Rule struct {
	Match       Predicate
	Specialty   Specialty
	Subcategory string
}

// Contains returns a predicate matching when any keyword is a substring.
func Contains(keywords ...string) Predicate {
	normalized := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		keyword = Normalize(keyword)
		if keyword != "" {
			normalized = append(normalized, keyword)
		}
	}
	return func(text string) bool {
		for _, keyword := range normalized {
			if strings.Contains(text, keyword) {
				return true
			}
		}
		return false
	}
}

// Normalize folds full-width forms and case so that "ＶＩＯ" and "vio" compare equal.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// DefaultRules is evaluated top to bottom; the first match wins.
var DefaultRules = []Rule{
	{Match: Contains("麻酔", "anesthesia"), Specialty: SpecialtyOther, Subcategory: "anesthesia"},
	{Match: Contains("カウンセリング", "診察", "初診料", "再診料", "consultation"), Specialty: SpecialtyOther, Subcategory: "consultation"},

	{Match: Contains("vio"), Specialty: SpecialtyHairRemoval, Subcategory: "vio"},
	{Match: Contains("顔脱毛", "フェイス脱毛", "face hair removal"), Specialty: SpecialtyHairRemoval, Subcategory: "face"},
	{Match: Contains("全身脱毛", "full body"), Specialty: SpecialtyHairRemoval, Subcategory: "full_body"},
	{Match: Contains("脱毛", "hair removal"), Specialty: SpecialtyHairRemoval, Subcategory: "partial"},

	{Match: Contains("二重", "埋没", "切開法", "眼瞼", "まぶた", "double eyelid", "blepharoplasty"), Specialty: SpecialtySurgery, Subcategory: "double_eyelid"},
	{Match: Contains("クマ", "目の下", "脱脂", "under eye"), Specialty: SpecialtySurgery, Subcategory: "under_eye"},
	{Match: Contains("鼻", "rhinoplasty", "nose"), Specialty: SpecialtySurgery, Subcategory: "nose"},
	{Match: Contains("脂肪吸引", "脂肪注入", "liposuction"), Specialty: SpecialtySurgery, Subcategory: "body_contouring"},
	{Match: Contains("糸リフト", "スレッド", "フェイスリフト", "thread lift", "facelift"), Specialty: SpecialtySurgery, Subcategory: "lift"},
	{Match: Contains("豊胸", "breast"), Specialty: SpecialtySurgery, Subcategory: "breast"},

	{Match: Contains("ボトックス", "ボツリヌス", "botox"), Specialty: SpecialtyDermatology, Subcategory: "botox"},
	{Match: Contains("ヒアルロン酸", "フィラー", "hyaluronic", "filler"), Specialty: SpecialtyDermatology, Subcategory: "filler"},
	{Match: Contains("レーザー", "フォト", "ピコ", "ハイフ", "hifu", "laser", "ipl"), Specialty: SpecialtyDermatology, Subcategory: "laser"},
	{Match: Contains("ピーリング", "peel"), Specialty: SpecialtyDermatology, Subcategory: "peel"},
	{Match: Contains("注射", "点滴", "injection", "drip"), Specialty: SpecialtyDermatology, Subcategory: "injection"},

	{Match: Contains("外科", "手術", "surgery"), Specialty: SpecialtySurgery, Subcategory: "other_surgery"},
	{Match: Contains("皮膚", "dermatology", "skin"), Specialty: SpecialtyDermatology, Subcategory: "other_dermatology"},
}

type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	kept := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Match == nil || rule.Specialty == "" || rule.Subcategory == "" {
			continue
		}
		kept = append(kept, rule)
	}
	return &Classifier{rules: kept}
}

func Default() *Classifier {
	return NewClassifier(DefaultRules)
}

// Classify never fails: the name is tried against every rule first, then the
// category, and anything left over lands in other/products.
func (c *Classifier) Classify(category, name string) Classification {
	for _, text := range []string{Normalize(name), Normalize(category)} {
		if text == "" {
			continue
		}
		for _, rule := range c.rules {
			if rule.Match(text) {
				return newClassification(rule.Specialty, rule.Subcategory, false)
			}
		}
	}
	return newClassification(SpecialtyOther, SubcategoryProducts, true)
}

// Subcategories returns the fixed subcategory list per specialty, in rule
// order, with the default bucket always present under other.
func (c *Classifier) Subcategories() map[Specialty][]string {
	out := make(map[Specialty][]string, len(Specialties))
	seen := map[string]struct{}{}
	add := func(specialty Specialty, subcategory string) {
		id := CategoryID(specialty, subcategory)
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out[specialty] = append(out[specialty], subcategory)
	}
	for _, rule := range c.rules {
		add(rule.Specialty, rule.Subcategory)
	}
	add(SpecialtyOther, SubcategoryProducts)
	return out
}

func CategoryID(specialty Specialty, subcategory string) string {
	return string(specialty) + "." + subcategory
}

func newClassification(specialty Specialty, subcategory string, fallback bool) Classification {
	return Classification{
		Specialty:   specialty,
		Subcategory: subcategory,
		CategoryID:  CategoryID(specialty, subcategory),
		Fallback:    fallback,
	}
}
