package cache

import (
	"sort"
	"strings"

	"github.com/lysyi3m/auto-comb/app/listing"
)

type Filters struct {
	City            string
	Brand           string
	Model           string
	FuelType        listing.FuelType
	MinPrice        int64 // paise
	MaxPrice        int64 // paise
	MinYear         int
	MaxYear         int
	MinTrust        float64
	PublishableOnly bool
	Page            int
	PerPage         int
}

type Page struct {
	Listings []listing.LogicalListing `json:"listings"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PerPage  int                      `json:"per_page"`
	// PartialCoverage is set when any matching entry is degraded or when
	// the latest run for the searched city missed some sources.
	PartialCoverage bool `json:"partial_coverage"`
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Search filters cached entries without triggering refreshes. Results are
// ordered by trust score, highest first.
func (c *Cache) Search(f Filters) Page {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}

	var matched []Entry
	for _, e := range c.Snapshot() {
		if f.matches(e.Listing) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].Listing, matched[j].Listing
		if a.Trust.Overall != b.Trust.Overall {
			return a.Trust.Overall > b.Trust.Overall
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.ID < b.ID
	})

	page := Page{Total: len(matched), Page: f.Page, PerPage: f.PerPage, Listings: []listing.LogicalListing{}}
	page.PartialCoverage = c.coverageGap(f.City)
	for _, e := range matched {
		if e.Degraded {
			page.PartialCoverage = true
			break
		}
	}

	start := (f.Page - 1) * f.PerPage
	if start >= len(matched) {
		return page
	}
	end := min(start+f.PerPage, len(matched))
	for _, e := range matched[start:end] {
		page.Listings = append(page.Listings, e.Listing)
	}
	return page
}

// SetCoverage records whether the latest run for scope fetched from every
// source it asked.
func (c *Cache) SetCoverage(scope string, partial bool) {
	scope = strings.ToLower(strings.TrimSpace(scope))

	c.mu.Lock()
	defer c.mu.Unlock()
	if partial {
		c.partial[scope] = true
	} else {
		delete(c.partial, scope)
	}
}

// coverageGap reports a partial latest run for city, or for any city when
// city is empty.
func (c *Cache) coverageGap(city string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if city == "" {
		return len(c.partial) > 0
	}
	return c.partial[strings.ToLower(strings.TrimSpace(city))]
}

func (f Filters) matches(ll listing.LogicalListing) bool {
	c := ll.Canonical
	switch {
	case f.City != "" && !strings.EqualFold(f.City, ll.Scope):
		return false
	case f.Brand != "" && !strings.EqualFold(f.Brand, c.Brand):
		return false
	case f.Model != "" && !strings.EqualFold(f.Model, c.Model):
		return false
	case f.FuelType != "" && f.FuelType != c.FuelType:
		return false
	case f.MinPrice > 0 && c.Price < f.MinPrice:
		return false
	case f.MaxPrice > 0 && c.Price > f.MaxPrice:
		return false
	case f.MinYear > 0 && c.Year < f.MinYear:
		return false
	case f.MaxYear > 0 && c.Year > f.MaxYear:
		return false
	case f.MinTrust > 0 && ll.Trust.Overall < f.MinTrust:
		return false
	case f.PublishableOnly && !ll.Publishable:
		return false
	}
	return true
}
