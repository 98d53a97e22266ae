package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/feed"
	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/pipeline"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/sources"
	"github.com/lysyi3m/auto-comb/app/tasks"
)

const testAPIKey = "test-key"

type fakeReports []pipeline.Report

func (f fakeReports) Reports() []pipeline.Report {
	return f
}

type fakeIngester struct {
	city string
	err  error
}

func (f *fakeIngester) IngestCity(ctx context.Context, city string) (*pipeline.Report, error) {
	f.city = city
	report := &pipeline.Report{RunID: "run-1", City: pipeline.Scope(city), Groups: 2}
	if f.err != nil {
		return report, f.err
	}
	return report, nil
}

type fakeScheduler struct {
	queued []tasks.TaskInterface
	err    error
}

func (f *fakeScheduler) Start() {}
func (f *fakeScheduler) Stop()  {}

func (f *fakeScheduler) EnqueueTask(task tasks.TaskInterface) error {
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, task)
	return nil
}

type fakeStore map[string]int

func (f fakeStore) Count(ctx context.Context) (int, error) {
	n := 0
	for _, v := range f {
		n += v
	}
	return n, nil
}

func (f fakeStore) CountByScope(ctx context.Context) (map[string]int, error) {
	return f, nil
}

func group(id, scope, brand string, price int64, trust float64) listing.LogicalListing {
	l := listing.Listing{
		Source:     "carhub",
		ExternalID: id,
		Brand:      brand,
		Model:      "Swift",
		Year:       2020,
		Price:      price,
		City:       "Pune",
		FetchedAt:  time.Now(),
	}
	return listing.LogicalListing{
		ID:                 id,
		Scope:              scope,
		Members:            []listing.Listing{l},
		Canonical:          l,
		Trust:              listing.TrustBreakdown{Overall: trust},
		PerSourceFetchedAt: map[string]time.Time{"carhub": time.Now()},
		Publishable:        trust >= 60,
	}
}

type testServer struct {
	handler   http.Handler
	cache     *cache.Cache
	ingester  *fakeIngester
	scheduler *fakeScheduler
	breakers  *resilience.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	c := cache.New(cache.DefaultConfig(), nil, nil, nil)
	c.Put(context.Background(),
		group("grp-a", "pune", "Maruti Suzuki", 550000*100, 72),
		group("grp-b", "pune", "Hyundai", 1250000*100, 55),
		group("grp-c", "delhi", "Maruti Suzuki", 480000*100, 80),
	)

	configs := sources.NewConfigCache("")
	configs.Set(&sources.Config{Name: "carhub", Kind: sources.KindMock, Shape: "dealer_feed", Provenance: "exclusive_dealer",
		Settings: sources.ConfigSettings{Enabled: true, TTL: 1800}})
	configs.Set(&sources.Config{Name: "wheels", Kind: sources.KindHTTPJSON, Shape: "marketplace", Provenance: "user_direct"})

	ts := &testServer{
		cache:     c,
		ingester:  &fakeIngester{},
		scheduler: &fakeScheduler{},
		breakers:  resilience.NewRegistry(resilience.DefaultBreakerConfig(), time.Now),
	}
	h := NewHandler(c, fakeReports{{RunID: "run-0", City: "pune"}}, ts.breakers, configs, fakeStore{"pune": 2, "delhi": 1},
		feed.NewGenerator("http://localhost:8080", "test"), ts.ingester, ts.scheduler, "test")
	ts.handler = NewServer(h, testAPIKey)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authorized {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

func TestListListings(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "/listings", []string{"grp-c", "grp-a", "grp-b"}},
		{"city", "/listings?city=Pune", []string{"grp-a", "grp-b"}},
		{"brand and city", "/listings?city=pune&brand=maruti%20suzuki", []string{"grp-a"}},
		{"price range in rupees", "/listings?min_price=500000&max_price=1000000", []string{"grp-a"}},
		{"publishable", "/listings?publishable=true", []string{"grp-c", "grp-a"}},
		{"paging", "/listings?per_page=1&page=2", []string{"grp-a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "GET", tt.query, false)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}

			var resp listingsResponse
			decode(t, rec, &resp)

			var ids []string
			for _, ll := range resp.Listings {
				ids = append(ids, ll.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, ids)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, ids)
					break
				}
			}
		})
	}
}

func TestListListingsRejectsBadParameters(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"min_price=abc", "page=-1", "min_trust=high", "min_price=900&max_price=100"} {
		if rec := ts.do(t, "GET", "/listings?"+q, false); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", q, rec.Code)
		}
	}
}

func TestListListingsPartialCoverage(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.SetCoverage("pune", true)

	tests := []struct {
		query string
		want  bool
	}{
		{"/listings?city=Pune", true},
		{"/listings?city=delhi", false},
		{"/listings", true},
	}
	for _, tt := range tests {
		rec := ts.do(t, "GET", tt.query, false)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200 for %s, got %d", tt.query, rec.Code)
		}
		var resp listingsResponse
		decode(t, rec, &resp)
		if resp.PartialCoverage != tt.want {
			t.Errorf("%s: expected partial_coverage %v, got %v", tt.query, tt.want, resp.PartialCoverage)
		}
	}

	if rec := ts.do(t, "GET", "/feeds/Pune", false); rec.Header().Get("X-Partial-Coverage") != "true" {
		t.Error("Expected partial coverage header on the Pune feed")
	}
	if rec := ts.do(t, "GET", "/feeds/delhi", false); rec.Header().Get("X-Partial-Coverage") != "" {
		t.Error("Expected no partial coverage header on the Delhi feed")
	}
}

func TestGetListing(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/listings/Pune/grp-a", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp listingResponse
	decode(t, rec, &resp)
	if resp.Listing.ID != "grp-a" || resp.CacheStatus != cache.StatusFresh {
		t.Errorf("Unexpected response %+v", resp)
	}
	if rec.Header().Get("X-Cache-Status") != "fresh" {
		t.Errorf("Expected cache status header, got %q", rec.Header().Get("X-Cache-Status"))
	}

	if rec := ts.do(t, "GET", "/listings/pune/grp-missing", false); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown listing, got %d", rec.Code)
	}
}

func TestGetFeed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/feeds/Pune", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Unexpected content type %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "<guid isPermaLink=\"false\">pune/grp-a</guid>") {
		t.Errorf("Expected publishable Pune listing in feed:\n%s", body)
	}
	if strings.Contains(body, "grp-b") {
		t.Error("Unpublishable listing must not appear in the feed")
	}
	if strings.Contains(body, "grp-c") {
		t.Error("Listing from another city must not appear in the feed")
	}
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/health", false)
	var health map[string]any
	decode(t, rec, &health)
	if health["status"] != "ok" || health["cached_listings"] != float64(3) || health["stored_listings"] != float64(3) {
		t.Errorf("Unexpected health %v", health)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected request id header")
	}

	for i := 0; i < 5; i++ {
		done, err := ts.breakers.Breaker("wheels").Allow()
		if err != nil {
			t.Fatal(err)
		}
		done(resilience.OutcomeFailure)
	}
	decode(t, ts.do(t, "GET", "/health", false), &health)
	if health["status"] != "degraded" {
		t.Errorf("Expected degraded health with an open circuit, got %v", health["status"])
	}

	var stats struct {
		Cache   cache.Stats       `json:"cache"`
		Runs    []pipeline.Report `json:"runs"`
		Sources []map[string]any  `json:"sources"`
		Stored  map[string]int    `json:"stored_by_city"`
	}
	rec = ts.do(t, "GET", "/stats", false)
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Cache.Entries != 3 || len(stats.Runs) != 1 || len(stats.Sources) != 1 || stats.Stored["pune"] != 2 {
		t.Errorf("Unexpected stats %s", rec.Body.String())
	}
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("Expected caller request id echoed, got %q", got)
	}
}

func TestAPIRequiresKey(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, "GET", "/api/sources", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/sources", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected bearer token accepted, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/sources", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong key, got %d", rec.Code)
	}
}

func TestAPIListSources(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/sources", true)
	var resp struct {
		Sources []map[string]any `json:"sources"`
		Total   int              `json:"total"`
	}
	decode(t, rec, &resp)

	if resp.Total != 2 || resp.Sources[0]["name"] != "carhub" {
		t.Fatalf("Unexpected sources %s", rec.Body.String())
	}
	if resp.Sources[0]["ttl"] != "30m0s" || resp.Sources[0]["state"] != "CLOSED" {
		t.Errorf("Unexpected carhub entry %v", resp.Sources[0])
	}
}

func TestAPIIngestCity(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/cities/Pune/ingest", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if len(ts.scheduler.queued) != 1 || ts.scheduler.queued[0].GetSubject() != "Pune" {
		t.Errorf("Expected one queued ingest task for Pune, got %v", ts.scheduler.queued)
	}

	rec = ts.do(t, "POST", "/api/cities/Pune/ingest?sync=true", true)
	if rec.Code != http.StatusOK || ts.ingester.city != "Pune" {
		t.Errorf("Expected inline ingestion, got %d", rec.Code)
	}

	ts.ingester.err = pipeline.ErrNoCoverage
	if rec := ts.do(t, "POST", "/api/cities/Pune/ingest?sync=true", true); rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 when no source covered the city, got %d", rec.Code)
	}

	ts.ingester.err = pipeline.ErrNoSources
	if rec := ts.do(t, "POST", "/api/cities/Agra/ingest?sync=true", true); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a city without sources, got %d", rec.Code)
	}

	ts.scheduler.err = errors.New("task queue is full")
	if rec := ts.do(t, "POST", "/api/cities/Pune/ingest", true); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the queue is full, got %d", rec.Code)
	}
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	c := cache.New(cache.DefaultConfig(), nil, nil, nil)
	h := NewHandler(c, fakeReports{}, resilience.NewRegistry(resilience.DefaultBreakerConfig(), time.Now),
		sources.NewConfigCache(""), nil, feed.NewGenerator("http://localhost:8080", "test"), &fakeIngester{}, &fakeScheduler{}, "test")
	server := NewServer(h, "")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sources", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected API routes absent without a key, got %d", rec.Code)
	}
}
