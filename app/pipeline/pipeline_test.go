package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lysyi3m/auto-comb/app/adapters"
	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/canon"
	"github.com/lysyi3m/auto-comb/app/dedup"
	"github.com/lysyi3m/auto-comb/app/ingest"
	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/source"
	"github.com/lysyi3m/auto-comb/app/sources"
	"github.com/lysyi3m/auto-comb/app/trust"
)

func swift(id, vin string) map[string]string {
	return map[string]string{
		"id":                id,
		"brand":             "Maruti Suzuki",
		"model":             "Swift",
		"year":              "2020",
		"price":             "550000",
		"mileage":           "45000",
		"city":              "Pune",
		"vin":               vin,
		"identity_verified": "true",
		"images":            "https://img.example.com/" + id + ".jpg",
	}
}

func creta(id string) map[string]string {
	return map[string]string{
		"id":      id,
		"brand":   "Hyundai",
		"model":   "Creta",
		"year":    "2021",
		"price":   "12.5 lakh",
		"mileage": "20000",
		"city":    "Pune",
	}
}

func newConfigs() *sources.ConfigCache {
	configs := sources.NewConfigCache("")
	configs.Set(&sources.Config{
		Name:       "carhub",
		Kind:       sources.KindMock,
		Shape:      string(canon.ShapeDealerFeed),
		Provenance: string(listing.ProvenanceExclusiveDealer),
		Settings:   sources.ConfigSettings{Enabled: true},
		Fixtures:   []map[string]string{swift("c-1", "MA3EWDD1S00123456"), creta("c-2")},
	})
	configs.Set(&sources.Config{
		Name:       "wheels",
		Kind:       sources.KindMock,
		Shape:      string(canon.ShapeMarketplace),
		Provenance: string(listing.ProvenanceUserDirect),
		Settings:   sources.ConfigSettings{Enabled: true},
		Fixtures:   []map[string]string{swift("w-9", "MA3EWDD1S00123456")},
	})
	return configs
}

type testEnv struct {
	configs *sources.ConfigCache
	images  ImageVerifier
	sources Sources
}

func newPipeline(t *testing.T, env testEnv) *Pipeline {
	t.Helper()

	configs := env.configs
	if configs == nil {
		configs = newConfigs()
	}

	srcs := env.sources
	if srcs == nil {
		registry, err := adapters.NewRegistry(configs.GetEnabledConfigs(), adapters.Options{})
		if err != nil {
			t.Fatal(err)
		}
		srcs = registry
	}

	c, err := canon.New(configs, canon.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	scorer, err := trust.NewScorer(trust.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.Retry = resilience.RetryPolicy{MaxAttempts: 1, IsTransient: source.IsTransient}
	ingestCfg.RunTimeout = 5 * time.Second

	return New(Deps{
		Sources:       srcs,
		Orchestrator:  ingest.New(ingestCfg, resilience.NewRegistry(resilience.DefaultBreakerConfig(), time.Now)),
		Canonicalizer: c,
		Images:        env.images,
		Deduplicator:  dedup.New(dedup.DefaultConfig()),
		Scorer:        scorer,
		CacheConfig:   cache.DefaultConfig(),
	})
}

type fakeAdapter struct {
	name    string
	calls   atomic.Int32
	release chan struct{}

	mu   sync.Mutex
	raws []map[string]string
	err  error
}

func (f *fakeAdapter) Name() string {
	return f.name
}

func (f *fakeAdapter) set(raws []map[string]string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws, f.err = raws, err
}

func (f *fakeAdapter) Fetch(ctx context.Context, city, cursor string) ([]listing.RawListing, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]listing.RawListing, 0, len(f.raws))
	for _, fields := range f.raws {
		out = append(out, listing.RawListing{ExternalID: fields["id"], FetchedAt: time.Now(), Fields: fields})
	}
	return out, nil
}

type staticSources []source.Adapter

func (s staticSources) ForCity(string) []source.Adapter {
	return s
}

func TestIngestCityMergesAndCaches(t *testing.T) {
	p := newPipeline(t, testEnv{})

	report, err := p.IngestCity(context.Background(), "Pune")
	if err != nil {
		t.Fatalf("IngestCity failed: %v", err)
	}

	if report.City != "pune" || report.Fetched != 3 || report.Canonical != 3 {
		t.Errorf("Unexpected report %+v", report)
	}
	if report.Groups != 2 {
		t.Fatalf("Expected the two Swift listings merged into one of 2 groups, got %d", report.Groups)
	}
	if p.Cache().Len() != 2 {
		t.Errorf("Expected 2 cached logical listings, got %d", p.Cache().Len())
	}

	page := p.Cache().Search(cache.Filters{City: "Pune", Brand: "maruti suzuki"})
	if page.Total != 1 {
		t.Fatalf("Expected 1 Swift, got %d", page.Total)
	}
	swiftGroup := page.Listings[0]
	if len(swiftGroup.Members) != 2 || len(swiftGroup.PerSourceFetchedAt) != 2 {
		t.Errorf("Expected members from both sources, got %+v", swiftGroup.Members)
	}
	if swiftGroup.Trust.Overall <= 0 {
		t.Error("Expected scored logical listing")
	}

	if got, ok := p.Report("PUNE"); !ok || got.RunID != report.RunID {
		t.Errorf("Expected stored report, got %+v", got)
	}
}

func TestIngestCityDegradedWhenAllSourcesFail(t *testing.T) {
	down := &fakeAdapter{name: "carhub"}
	down.set(nil, source.Permanent("carhub", errors.New("403 forbidden")))

	p := newPipeline(t, testEnv{sources: staticSources{down}})

	report, err := p.IngestCity(context.Background(), "Pune")
	if !errors.Is(err, ErrNoCoverage) {
		t.Fatalf("Expected ErrNoCoverage, got %v", err)
	}
	if report == nil || !report.Degraded || len(report.Failures) != 1 {
		t.Errorf("Expected degraded report with one failure, got %+v", report)
	}
	if p.Cache().Len() != 0 {
		t.Error("Degraded run must not touch the cache")
	}
}

func TestIngestCityWithoutSources(t *testing.T) {
	p := newPipeline(t, testEnv{sources: staticSources{}})
	if _, err := p.IngestCity(context.Background(), "Agra"); !errors.Is(err, ErrNoSources) {
		t.Errorf("Expected ErrNoSources, got %v", err)
	}
	if _, err := p.IngestCity(context.Background(), "  "); err == nil {
		t.Error("Expected error for empty city")
	}
}

func TestIngestCityCoalescesConcurrentRuns(t *testing.T) {
	a := &fakeAdapter{name: "carhub", release: make(chan struct{})}
	a.set([]map[string]string{swift("c-1", "")}, nil)

	p := newPipeline(t, testEnv{sources: staticSources{a}})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.IngestCity(context.Background(), "Pune")
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(a.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if got := a.calls.Load(); got != 1 {
		t.Errorf("Expected one upstream fetch, got %d", got)
	}
}

func TestRefreshFindsGroupAndDropsVanished(t *testing.T) {
	a := &fakeAdapter{name: "carhub"}
	a.set([]map[string]string{swift("c-1", ""), creta("c-2")}, nil)

	p := newPipeline(t, testEnv{sources: staticSources{a}})
	if _, err := p.IngestCity(context.Background(), "Pune"); err != nil {
		t.Fatal(err)
	}

	var cretaKey cache.Key
	for _, e := range p.Cache().Snapshot() {
		if e.Listing.Canonical.Model == "Creta" {
			cretaKey = e.Key()
		}
	}

	got, err := p.Refresh(context.Background(), cretaKey)
	if err != nil || got.ID != cretaKey.ID {
		t.Fatalf("Expected refreshed Creta, got %v %v", got.ID, err)
	}

	a.set([]map[string]string{swift("c-1", "")}, nil)
	if _, err := p.Refresh(context.Background(), cretaKey); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for vanished listing, got %v", err)
	}
}

func TestRefreshKeepsListingWhenItsSourceFailed(t *testing.T) {
	a := &fakeAdapter{name: "carhub"}
	a.set([]map[string]string{creta("c-2")}, nil)
	b := &fakeAdapter{name: "wheels"}
	b.set([]map[string]string{swift("w-1", "")}, nil)

	configs := newConfigs()
	p := newPipeline(t, testEnv{configs: configs, sources: staticSources{a, b}})
	if _, err := p.IngestCity(context.Background(), "Pune"); err != nil {
		t.Fatal(err)
	}

	var cretaKey cache.Key
	for _, e := range p.Cache().Snapshot() {
		if e.Listing.Canonical.Model == "Creta" {
			cretaKey = e.Key()
		}
	}

	a.set(nil, source.Transient("carhub", errors.New("503")))
	_, err := p.Refresh(context.Background(), cretaKey)
	if !errors.Is(err, ErrNoCoverage) {
		t.Errorf("Expected coverage error rather than not found, got %v", err)
	}
	if _, ok := p.Cache().Peek(cretaKey); !ok {
		t.Error("Expected listing kept while its source is down")
	}
}

func TestIngestCityReportsRejectsAndPartialCoverage(t *testing.T) {
	bad := creta("c-bad")
	bad["year"] = "next year"

	a := &fakeAdapter{name: "carhub"}
	a.set([]map[string]string{creta("c-2"), bad}, nil)
	b := &fakeAdapter{name: "wheels"}
	b.set(nil, source.Permanent("wheels", errors.New("HTTP 410 gone")))

	p := newPipeline(t, testEnv{sources: staticSources{a, b}})

	report, err := p.IngestCity(context.Background(), "Pune")
	if err != nil {
		t.Fatalf("Expected partial run to succeed, got %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].Source != "wheels" {
		t.Errorf("Expected wheels failure, got %+v", report.Failures)
	}

	if report.Rejected != 1 || len(report.ValidationFailures) != 1 {
		t.Fatalf("Expected one rejected record, got %d %+v", report.Rejected, report.ValidationFailures)
	}
	vf := report.ValidationFailures[0]
	if vf.Source != "carhub" || vf.ExternalID != "c-bad" || vf.Field != "year" {
		t.Errorf("Unexpected validation failure %+v", vf)
	}

	page := p.Cache().Search(cache.Filters{City: "pune"})
	if page.Total != 1 || !page.PartialCoverage {
		t.Errorf("Expected 1 listing with partial coverage, got %d %v", page.Total, page.PartialCoverage)
	}

	b.set([]map[string]string{swift("w-1", "")}, nil)
	if _, err := p.IngestCity(context.Background(), "Pune"); err != nil {
		t.Fatal(err)
	}
	if p.Cache().Search(cache.Filters{City: "pune"}).PartialCoverage {
		t.Error("Expected full coverage once every source answered")
	}
}

type fakeVerifier struct {
	calls atomic.Int32
}

func (v *fakeVerifier) Verify(ctx context.Context, urls []string) ([]listing.ImageCheck, error) {
	v.calls.Add(1)
	if len(urls) > 0 && urls[0] == "https://img.example.com/w-9.jpg" {
		return nil, errors.New("verifier down")
	}
	checks := make([]listing.ImageCheck, len(urls))
	for i, u := range urls {
		checks[i] = listing.ImageCheck{URL: u, Verified: true, Width: 1280, Height: 960}
	}
	return checks, nil
}

func TestIngestCityVerifiesImages(t *testing.T) {
	v := &fakeVerifier{}
	p := newPipeline(t, testEnv{images: v})

	report, err := p.IngestCity(context.Background(), "Pune")
	if err != nil {
		t.Fatal(err)
	}
	if v.calls.Load() != 2 {
		t.Errorf("Expected verification for the 2 listings with images, got %d", v.calls.Load())
	}
	if report.ImageErrors != 1 {
		t.Errorf("Expected 1 image error, got %d", report.ImageErrors)
	}

	page := p.Cache().Search(cache.Filters{Model: "Swift"})
	if page.Total != 1 {
		t.Fatalf("Expected Swift group, got %d", page.Total)
	}
	verified := 0
	for _, m := range page.Listings[0].Members {
		verified += len(m.ImageChecks)
	}
	if verified != 1 {
		t.Errorf("Expected checks on the verified member only, got %d", verified)
	}
}

func TestRescoreAndReports(t *testing.T) {
	p := newPipeline(t, testEnv{})
	if _, err := p.IngestCity(context.Background(), "Pune"); err != nil {
		t.Fatal(err)
	}
	if n := p.Rescore(context.Background()); n != 2 {
		t.Errorf("Expected 2 rescored entries, got %d", n)
	}
	if reports := p.Reports(); len(reports) != 1 || reports[0].City != "pune" {
		t.Errorf("Unexpected reports %+v", reports)
	}
}
