package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/lysyi3m/auto-comb/app/listing"
)

// ErrDedupAmbiguous is reported for pairs whose similarity fell inside the
// ambiguity band. Such pairs are never merged automatically.
var ErrDedupAmbiguous = errors.New("dedup ambiguous")

type Weights struct {
	Title   float64 `yaml:"title"`
	Price   float64 `yaml:"price"`
	Mileage float64 `yaml:"mileage"`
	Image   float64 `yaml:"image"`
}

type Config struct {
	Threshold       float64
	AmbiguityMargin float64
	PriceBandPct    float64
	MileageBandKm   int
	Weights         Weights
}

func DefaultConfig() Config {
	return Config{
		Threshold:       0.80,
		AmbiguityMargin: 0.05,
		PriceBandPct:    5,
		MileageBandKm:   5000,
		Weights: Weights{
			Title:   0.35,
			Price:   0.25,
			Mileage: 0.20,
			Image:   0.20,
		},
	}
}

type AmbiguousPair struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

func (p AmbiguousPair) Error() string {
	return fmt.Sprintf("%v: %s ~ %s (%.3f)", ErrDedupAmbiguous, p.A, p.B, p.Similarity)
}

func (p AmbiguousPair) Unwrap() error {
	return ErrDedupAmbiguous
}

type Result struct {
	Groups    []listing.LogicalListing
	Ambiguous []AmbiguousPair
}

type Deduplicator struct {
	cfg Config
}

func New(cfg Config) *Deduplicator {
	return &Deduplicator{cfg: cfg}
}

func (d *Deduplicator) Config() Config {
	return d.cfg
}

// Group partitions listings into logical listings. The partition depends
// only on the set of listings, not on their order, and regrouping the
// members of a result yields the same partition.
func (d *Deduplicator) Group(scope string, listings []listing.Listing) Result {
	items := uniqueListings(listings)
	if len(items) == 0 {
		return Result{}
	}

	uf := newUnionFind(len(items))
	var pending []AmbiguousPair
	pendingIdx := make([][2]int, 0)

	byIdentity := make(map[string][]int)
	for i, l := range items {
		k := identityKey(l)
		byIdentity[k] = append(byIdentity[k], i)
	}

	mergeAt := d.cfg.Threshold + d.cfg.AmbiguityMargin
	ambiguousAt := d.cfg.Threshold - d.cfg.AmbiguityMargin

	for _, idx := range byIdentity {
		sort.Slice(idx, func(x, y int) bool {
			a, b := items[idx[x]], items[idx[y]]
			if a.Price != b.Price {
				return a.Price < b.Price
			}
			return a.Key() < b.Key()
		})

		for x := 0; x < len(idx); x++ {
			a := items[idx[x]]
			pa := priceBand(a.Price, d.cfg.PriceBandPct)
			for y := x + 1; y < len(idx); y++ {
				b := items[idx[y]]
				if priceBand(b.Price, d.cfg.PriceBandPct)-pa > 1 {
					break
				}
				if !d.mileageCandidate(a, b) {
					continue
				}

				sim := d.Similarity(a, b)
				switch {
				case sim >= mergeAt:
					uf.union(idx[x], idx[y])
				case sim >= ambiguousAt:
					pending = append(pending, AmbiguousPair{A: a.Key(), B: b.Key(), Similarity: sim})
					pendingIdx = append(pendingIdx, [2]int{idx[x], idx[y]})
				}
			}
		}
	}

	// A verified VIN or registration match overrides the heuristics.
	byIdentifier := make(map[string]int)
	for i, l := range items {
		if !l.IdentityVerified {
			continue
		}
		for _, id := range identifiers(l) {
			if first, ok := byIdentifier[id]; ok {
				uf.union(first, i)
			} else {
				byIdentifier[id] = i
			}
		}
	}

	components := make(map[int][]int)
	for i := range items {
		root := uf.find(i)
		components[root] = append(components[root], i)
	}

	flagged := make(map[int]bool)
	var ambiguous []AmbiguousPair
	for n, pair := range pendingIdx {
		ra, rb := uf.find(pair[0]), uf.find(pair[1])
		if ra == rb {
			continue
		}
		flagged[ra], flagged[rb] = true, true
		ambiguous = append(ambiguous, pending[n])
		slog.Warn("Ambiguous duplicate kept separate", "scope", scope, "a", pending[n].A, "b", pending[n].B, "similarity", pending[n].Similarity, "error", ErrDedupAmbiguous)
	}
	sort.Slice(ambiguous, func(i, j int) bool {
		if ambiguous[i].A != ambiguous[j].A {
			return ambiguous[i].A < ambiguous[j].A
		}
		return ambiguous[i].B < ambiguous[j].B
	})

	groups := make([]listing.LogicalListing, 0, len(components))
	for root, members := range components {
		ll := buildGroup(scope, items, members)
		if flagged[root] {
			ll.Flags = append(ll.Flags, listing.FlagDedupAmbiguous)
		}
		groups = append(groups, ll)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ID < groups[j].ID
	})

	return Result{Groups: groups, Ambiguous: ambiguous}
}

func (d *Deduplicator) mileageCandidate(a, b listing.Listing) bool {
	if a.Mileage <= 0 || b.Mileage <= 0 {
		return true
	}
	diff := mileageBand(a.Mileage, d.cfg.MileageBandKm) - mileageBand(b.Mileage, d.cfg.MileageBandKm)
	return diff >= -1 && diff <= 1
}

func identifiers(l listing.Listing) []string {
	var ids []string
	if l.VIN != "" {
		ids = append(ids, "vin:"+l.VIN)
	}
	if l.Registration != "" {
		ids = append(ids, "reg:"+l.Registration)
	}
	return ids
}

// uniqueListings keeps the most recently fetched record per (source,
// externalId) and returns them sorted by that key.
func uniqueListings(listings []listing.Listing) []listing.Listing {
	latest := make(map[string]listing.Listing, len(listings))
	for _, l := range listings {
		cur, ok := latest[l.Key()]
		if !ok || newer(l, cur) {
			latest[l.Key()] = l
		}
	}

	out := make([]listing.Listing, 0, len(latest))
	for _, l := range latest {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

func newer(a, b listing.Listing) bool {
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	if !a.ListingDate.Equal(b.ListingDate) {
		return a.ListingDate.After(b.ListingDate)
	}
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Title < b.Title
}

func buildGroup(scope string, items []listing.Listing, idx []int) listing.LogicalListing {
	members := make([]listing.Listing, 0, len(idx))
	for _, i := range idx {
		members = append(members, items[i])
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Key() < members[j].Key()
	})

	perSource := make(map[string]time.Time)
	for _, m := range members {
		if m.FetchedAt.After(perSource[m.Source]) {
			perSource[m.Source] = m.FetchedAt
		}
	}

	return listing.LogicalListing{
		ID:                 GroupID(members),
		Scope:              scope,
		Members:            members,
		Canonical:          SelectCanonical(members),
		PerSourceFetchedAt: perSource,
	}
}

// GroupID is stable while the group keeps its verified identity or its
// lexicographically smallest member.
func GroupID(members []listing.Listing) string {
	var vin string
	for _, m := range members {
		if m.IdentityVerified && m.VIN != "" && (vin == "" || m.VIN < vin) {
			vin = m.VIN
		}
	}
	if vin != "" {
		return "vin-" + shortHash(vin)
	}

	smallest := members[0].Key()
	for _, m := range members[1:] {
		if m.Key() < smallest {
			smallest = m.Key()
		}
	}
	return "grp-" + shortHash(smallest)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// SelectCanonical picks the representative member: highest completeness,
// then most recent listing date, then closest to the group's median
// price, then smallest (source, externalId).
func SelectCanonical(members []listing.Listing) listing.Listing {
	median := MedianPrice(members)

	sorted := append([]listing.Listing(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CompletenessScore != b.CompletenessScore {
			return a.CompletenessScore > b.CompletenessScore
		}
		if !a.ListingDate.Equal(b.ListingDate) {
			return a.ListingDate.After(b.ListingDate)
		}
		da := math.Abs(float64(a.Price) - median)
		db := math.Abs(float64(b.Price) - median)
		if da != db {
			return da < db
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ExternalID < b.ExternalID
	})
	return sorted[0]
}

func MedianPrice(members []listing.Listing) float64 {
	if len(members) == 0 {
		return 0
	}
	prices := make([]int64, 0, len(members))
	for _, m := range members {
		prices = append(prices, m.Price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })

	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return float64(prices[mid])
	}
	return (float64(prices[mid-1]) + float64(prices[mid])) / 2
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union attaches the larger root to the smaller so roots stay deterministic.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
