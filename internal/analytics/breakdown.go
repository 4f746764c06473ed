package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/taxonomy"
)

const labelUnknown = "unknown"

// Histogram is a labelled count series sorted by count descending, then label.
type Histogram struct {
	Labels []string `json:"labels"`
	Values []int    `json:"values"`
}

type Demographics struct {
	AgeGroups Histogram `json:"ageGroups"`
	Gender    Histogram `json:"gender"`
	Inflow    Histogram `json:"inflow"`
	VisitType Histogram `json:"visitType"`
	Clinics   Histogram `json:"clinics"`
}

type SubcategoryNode struct {
	Subcategory string `json:"subcategory"`
	CategoryID  string `json:"categoryId"`
	Revenue     int64  `json:"revenue"`
	Count       int    `json:"count"`
	UnitPrice   int64  `json:"unitPrice"`
}

type SpecialtyNode struct {
	Specialty     taxonomy.Specialty `json:"specialty"`
	Revenue       int64              `json:"revenue"`
	Count         int                `json:"count"`
	UnitPrice     int64              `json:"unitPrice"`
	Subcategories []SubcategoryNode  `json:"subcategories"`
}

func demographics(recs []records.DailyAccountRecord) Demographics {
	age, gender, inflow, visit, clinic := counter{}, counter{}, counter{}, counter{}, counter{}
	for _, r := range recs {
		age.add(ageGroup(r.Age))
		gender.add(orUnknown(r.Gender))
		inflow.add(orUnknown(r.InflowSource))
		if r.IsFirstVisit {
			visit.add("first")
		} else {
			visit.add("repeat")
		}
		clinic.add(r.TenantID)
	}
	return Demographics{
		AgeGroups: age.histogram(),
		Gender:    gender.histogram(),
		Inflow:    inflow.histogram(),
		VisitType: visit.histogram(),
		Clinics:   clinic.histogram(),
	}
}

// ageGroup buckets by decade; 0 means the age was not recorded.
func ageGroup(age int) string {
	if age <= 0 {
		return labelUnknown
	}
	return fmt.Sprintf("%ds", age/10*10)
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return labelUnknown
	}
	return s
}

type counter map[string]int

func (c counter) add(label string) { c[label]++ }

func (c counter) histogram() Histogram {
	labels := make([]string, 0, len(c))
	for label := range c {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if c[labels[i]] != c[labels[j]] {
			return c[labels[i]] > c[labels[j]]
		}
		return labels[i] < labels[j]
	})
	h := Histogram{Labels: labels, Values: make([]int, len(labels))}
	for i, label := range labels {
		h.Values[i] = c[label]
	}
	return h
}

// treatmentHierarchy classifies each record by its primary line item. Every
// specialty and subcategory of the taxonomy is present, including empty ones.
func (e *Engine) treatmentHierarchy(recs []records.DailyAccountRecord) ([]SpecialtyNode, int) {
	subs := e.classifier.Subcategories()
	nodes := make([]SpecialtyNode, 0, len(taxonomy.Specialties))
	index := map[string]*SubcategoryNode{}
	for _, specialty := range taxonomy.Specialties {
		node := SpecialtyNode{Specialty: specialty, Subcategories: make([]SubcategoryNode, 0, len(subs[specialty]))}
		for _, sub := range subs[specialty] {
			node.Subcategories = append(node.Subcategories, SubcategoryNode{
				Subcategory: sub,
				CategoryID:  taxonomy.CategoryID(specialty, sub),
			})
		}
		nodes = append(nodes, node)
	}
	for i := range nodes {
		for j := range nodes[i].Subcategories {
			sub := &nodes[i].Subcategories[j]
			index[sub.CategoryID] = sub
		}
	}

	fallbacks := 0
	for _, r := range recs {
		item, _ := r.PrimaryLineItem()
		class := e.classifier.Classify(item.Category, item.Name)
		if class.Fallback {
			fallbacks++
		}
		sub, ok := index[class.CategoryID]
		if !ok {
			continue
		}
		sub.Count++
		sub.Revenue += r.TotalAmount
	}

	for i := range nodes {
		node := &nodes[i]
		for j := range node.Subcategories {
			sub := &node.Subcategories[j]
			sub.UnitPrice = unitPrice(sub.Revenue, sub.Count)
			node.Count += sub.Count
			node.Revenue += sub.Revenue
		}
		node.UnitPrice = unitPrice(node.Revenue, node.Count)
	}
	return nodes, fallbacks
}
