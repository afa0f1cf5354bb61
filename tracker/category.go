// Package tracker implements the vehicle tracking and line-crossing counting engine.
// This file contains the vehicle categories and the tally kept per category.
package tracker

import (
	"sort"
	"strings"
)

// Category is a refined vehicle class. A track keeps the category it was
// registered with for its whole lifetime.
type Category string

// The refined categories a detection can be counted as.
const (
	TwoWheelerStandard Category = "two-wheeler-standard"
	TwoWheelerPremium  Category = "two-wheeler-premium"
	Car                Category = "car"
	Bus                Category = "bus"
	Truck              Category = "truck"
	PedalCycle         Category = "pedal-cycle"
	ThreeWheeler       Category = "three-wheeler"
)

// AllCategories lists every category in display order.
var AllCategories = []Category{
	TwoWheelerStandard,
	TwoWheelerPremium,
	Car,
	Bus,
	Truck,
	PedalCycle,
	ThreeWheeler,
}

// Valid reports whether c is one of AllCategories.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts a stored or configured name back into a Category.
func ParseCategory(name string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(name)))
	return c, c.Valid()
}

// Tally maps every category to the number of vehicles counted for it.
type Tally map[Category]int

// NewTally returns a tally with every known category at zero.
func NewTally() Tally {
	t := make(Tally, len(AllCategories))
	for _, c := range AllCategories {
		t[c] = 0
	}
	return t
}

// Clone returns an independent copy of the tally.
func (t Tally) Clone() Tally {
	out := make(Tally, len(t))
	for c, n := range t {
		out[c] = n
	}
	return out
}

// Total sums the counts of all categories.
func (t Tally) Total() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// AsMap returns the tally keyed by plain strings, for JSON/DoCommand output.
func (t Tally) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(t))
	for c, n := range t {
		out[string(c)] = n
	}
	return out
}

// Categories returns the categories present in t, known ones first in
// display order, then anything else sorted by name.
func (t Tally) Categories() []Category {
	out := make([]Category, 0, len(t))
	seen := make(map[Category]struct{}, len(t))
	for _, c := range AllCategories {
		if _, ok := t[c]; ok {
			out = append(out, c)
			seen[c] = struct{}{}
		}
	}
	var extra []Category
	for c := range t {
		if _, ok := seen[c]; !ok {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}
