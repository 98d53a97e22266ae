package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/canon"
	"github.com/lysyi3m/auto-comb/app/dedup"
	"github.com/lysyi3m/auto-comb/app/ingest"
	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/source"
	"github.com/lysyi3m/auto-comb/app/trust"
)

var (
	ErrNoSources = errors.New("no sources serve city")
	// ErrNoCoverage means every source for the city failed or was cancelled.
	ErrNoCoverage = errors.New("no source coverage")
)

// Sources selects the adapters to ask about a city.
type Sources interface {
	ForCity(city string) []source.Adapter
}

type ImageVerifier interface {
	Verify(ctx context.Context, urls []string) ([]listing.ImageCheck, error)
}

type Deps struct {
	Sources       Sources
	Orchestrator  *ingest.Orchestrator
	Canonicalizer *canon.Canonicalizer
	Images        ImageVerifier // optional
	Deduplicator  *dedup.Deduplicator
	Scorer        *trust.Scorer

	CacheConfig cache.Config
	TTL         cache.TTLFunc
	Store       cache.Store
}

// Report summarizes the latest run for a city.
type Report struct {
	RunID              string                      `json:"run_id"`
	City               string                      `json:"city"`
	StartedAt          time.Time                   `json:"started_at"`
	Duration           time.Duration               `json:"duration"`
	Fetched            int                         `json:"fetched"`
	Canonical          int                         `json:"canonical"`
	Rejected           int                         `json:"rejected"`
	ValidationFailures []listing.ValidationFailure `json:"validation_failures"`
	Groups             int                         `json:"groups"`
	Ambiguous          int                         `json:"ambiguous"`
	Publishable        int                         `json:"publishable"`
	ImageErrors        int                         `json:"image_errors"`
	Succeeded          []string                    `json:"succeeded"`
	Failures           []ingest.SourceFailure      `json:"failures"`
	Cancelled          []string                    `json:"cancelled"`
	Degraded           bool                        `json:"degraded"`
}

type run struct {
	report *Report
	groups []listing.LogicalListing
	failed map[string]bool
}

type Pipeline struct {
	deps  Deps
	cache *cache.Cache

	group singleflight.Group

	mu      sync.RWMutex
	reports map[string]*Report
}

// New builds the pipeline together with the cache it feeds. The cache uses
// the pipeline as its refresher.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		deps:    deps,
		reports: make(map[string]*Report),
	}
	p.cache = cache.New(deps.CacheConfig, deps.TTL, p, deps.Store)
	return p
}

func (p *Pipeline) Cache() *cache.Cache {
	return p.cache
}

// Scope is the cache scope for a city.
func Scope(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// IngestCity runs every stage for city and stores the scored logical
// listings. Concurrent calls for the same city share one run.
func (p *Pipeline) IngestCity(ctx context.Context, city string) (*Report, error) {
	r, err := p.ingest(ctx, city)
	if r == nil {
		return nil, err
	}
	return r.report, err
}

func (p *Pipeline) ingest(ctx context.Context, city string) (*run, error) {
	scope := Scope(city)
	if scope == "" {
		return nil, fmt.Errorf("city is required")
	}

	v, err, _ := p.group.Do(scope, func() (any, error) {
		return p.runCity(ctx, city)
	})
	r, _ := v.(*run)
	return r, err
}

func (p *Pipeline) runCity(ctx context.Context, city string) (*run, error) {
	scope := Scope(city)
	adapters := p.deps.Sources.ForCity(city)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, city)
	}

	res := p.deps.Orchestrator.Run(ctx, ingest.Request{City: city}, adapters)
	r := &run{
		report: &Report{
			RunID:     res.RunID,
			City:      scope,
			StartedAt: res.StartedAt,
			Fetched:   len(res.Listings),
			Succeeded: res.Succeeded,
			Failures:  res.Failures,
			Cancelled: res.Cancelled,
			Degraded:  res.Degraded,
		},
		failed: make(map[string]bool),
	}
	for _, f := range res.Failures {
		r.failed[f.Source] = true
	}
	for _, name := range res.Cancelled {
		r.failed[name] = true
	}
	p.cache.SetCoverage(scope, len(r.failed) > 0 || res.Degraded)

	if res.Degraded {
		r.report.Duration = time.Since(res.StartedAt)
		p.saveReport(r.report)
		return r, fmt.Errorf("%w: %s", ErrNoCoverage, city)
	}

	cr := p.deps.Canonicalizer.Run(res.Listings)
	r.report.Canonical = len(cr.Listings)
	r.report.Rejected = len(cr.Failures)
	r.report.ValidationFailures = cr.Failures
	for _, f := range cr.Failures {
		slog.Debug("Listing rejected", "city", scope, "source", f.Source, "external_id", f.ExternalID, "field", f.Field, "reason", f.Reason)
	}

	listings, imageErrors := p.verifyImages(ctx, cr.Listings)
	r.report.ImageErrors = imageErrors

	dr := p.deps.Deduplicator.Group(scope, listings)
	r.report.Groups = len(dr.Groups)
	r.report.Ambiguous = len(dr.Ambiguous)

	r.groups = make([]listing.LogicalListing, 0, len(dr.Groups))
	for _, g := range dr.Groups {
		scored := p.deps.Scorer.Apply(ctx, g)
		if scored.Publishable {
			r.report.Publishable++
		}
		r.groups = append(r.groups, scored)
	}

	if len(r.groups) > 0 {
		p.cache.Put(ctx, r.groups...)
	}

	r.report.Duration = time.Since(res.StartedAt)
	p.saveReport(r.report)

	slog.Info("Pipeline run completed",
		"run_id", r.report.RunID,
		"city", scope,
		"fetched", r.report.Fetched,
		"rejected", r.report.Rejected,
		"groups", r.report.Groups,
		"ambiguous", r.report.Ambiguous,
		"publishable", r.report.Publishable,
		"duration", r.report.Duration)

	return r, nil
}

// verifyImages attaches verification results to listings with images. A
// failed verification leaves the listing without checks.
func (p *Pipeline) verifyImages(ctx context.Context, listings []listing.Listing) ([]listing.Listing, int) {
	if p.deps.Images == nil {
		return listings, 0
	}

	out := make([]listing.Listing, len(listings))
	failed := make([]bool, len(listings))

	var g errgroup.Group
	g.SetLimit(4)
	for i, l := range listings {
		out[i] = l
		if len(l.Images) == 0 {
			continue
		}
		g.Go(func() error {
			checks, err := p.deps.Images.Verify(ctx, l.Images)
			if err != nil {
				slog.Warn("Image verification failed", "source", l.Source, "external_id", l.ExternalID, "error", err)
				failed[i] = true
				return nil
			}
			out[i] = l.WithImageChecks(checks)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return out, n
}

// Refresh re-runs the city pipeline for the key's scope and returns the
// logical listing with the key's ID, or the one that absorbed the previous
// entry's members.
func (p *Pipeline) Refresh(ctx context.Context, key cache.Key) (listing.LogicalListing, error) {
	prev, hadPrev := p.cache.Peek(key)

	r, err := p.ingest(ctx, key.Scope)
	if errors.Is(err, ErrNoSources) {
		return listing.LogicalListing{}, fmt.Errorf("%w: %w", cache.ErrNotFound, err)
	}
	if err != nil {
		return listing.LogicalListing{}, err
	}

	for _, g := range r.groups {
		if g.ID == key.ID {
			return g, nil
		}
	}

	if !hadPrev {
		return listing.LogicalListing{}, cache.ErrNotFound
	}

	members := make(map[string]bool, len(prev.Listing.Members))
	for _, m := range prev.Listing.Members {
		members[m.Key()] = true
	}
	for _, g := range r.groups {
		for _, m := range g.Members {
			if members[m.Key()] {
				return g, nil
			}
		}
	}

	// Absent only because its sources failed this run: keep serving it.
	for _, src := range prev.Listing.Sources() {
		if r.failed[src] {
			return listing.LogicalListing{}, fmt.Errorf("%w: %s unavailable for %s", ErrNoCoverage, src, key)
		}
	}
	return listing.LogicalListing{}, cache.ErrNotFound
}

// Rescore recomputes trust for every cached logical listing.
func (p *Pipeline) Rescore(ctx context.Context) int {
	n := p.cache.Rescore(ctx, p.deps.Scorer.Apply)
	slog.Info("Cache rescored", "entries", n)
	return n
}

func (p *Pipeline) saveReport(r *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports[r.City] = r
}

func (p *Pipeline) Report(city string) (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.reports[Scope(city)]
	if !ok {
		return Report{}, false
	}
	return *r, true
}

// Reports returns the latest report per city, ordered by city.
func (p *Pipeline) Reports() []Report {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Report, 0, len(p.reports))
	for _, r := range p.reports {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].City < out[j].City })
	return out
}
