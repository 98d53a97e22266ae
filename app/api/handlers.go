package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/feed"
	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/pipeline"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/tasks"
)

// NewHandler wires the query and operator endpoints. store may be nil when
// the cache runs without persistence.
func NewHandler(listings ListingCache, reports RunReports, health HealthRegistry, configs SourceConfigs,
	store StoreStats, feeds *feed.Generator, ingester tasks.CityIngester, scheduler tasks.TaskSchedulerInterface, version string) *Handler {
	return &Handler{
		cache:     listings,
		reports:   reports,
		health:    health,
		configs:   configs,
		store:     store,
		feeds:     feeds,
		ingester:  ingester,
		scheduler: scheduler,
		version:   version,
	}
}

func (h *Handler) ListListings(c *gin.Context) {
	f, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page := h.cache.Search(f)
	if page.Listings == nil {
		page.Listings = []listing.LogicalListing{}
	}

	c.Header("X-Total-Count", strconv.Itoa(page.Total))
	c.JSON(http.StatusOK, listingsResponse{
		Listings:        page.Listings,
		PartialCoverage: page.PartialCoverage,
		Page:            page.Page,
		PerPage:         page.PerPage,
		Total:           page.Total,
	})
}

func parseFilters(c *gin.Context) (cache.Filters, error) {
	f := cache.Filters{
		City:            c.Query("city"),
		Brand:           c.Query("brand"),
		Model:           c.Query("model"),
		FuelType:        listing.FuelType(strings.ToLower(c.Query("fuel_type"))),
		PublishableOnly: c.Query("publishable") == "true",
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"min_year", &f.MinYear},
		{"max_year", &f.MaxYear},
		{"page", &f.Page},
		{"per_page", &f.PerPage},
	}
	for _, p := range ints {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid " + p.name + " parameter")
		}
		*p.dst = n
	}

	prices := []struct {
		name string
		dst  *int64
	}{
		{"min_price", &f.MinPrice},
		{"max_price", &f.MaxPrice},
	}
	for _, p := range prices {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		rupees, err := strconv.ParseInt(v, 10, 64)
		if err != nil || rupees < 0 {
			return f, errors.New("invalid " + p.name + " parameter")
		}
		*p.dst = rupees * 100
	}
	if f.MinPrice > 0 && f.MaxPrice > 0 && f.MinPrice > f.MaxPrice {
		return f, errors.New("min_price exceeds max_price")
	}

	if v := c.Query("min_trust"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("invalid min_trust parameter")
		}
		f.MinTrust = score
	}

	return f, nil
}

func (h *Handler) GetListing(c *gin.Context) {
	key := cache.Key{Scope: pipeline.Scope(c.Param("city")), ID: c.Param("id")}
	if key.Scope == "" || key.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing city or id parameter"})
		return
	}

	ll, status, err := h.cache.Get(c.Request.Context(), key)
	if errors.Is(err, cache.ErrCacheMiss) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		return
	}
	if err != nil {
		slog.Error("Listing lookup failed", "key", key.String(), "request_id", c.GetString("request_id"), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Listing temporarily unavailable"})
		return
	}

	c.Header("X-Cache-Status", string(status))
	c.JSON(http.StatusOK, listingResponse{Listing: ll, CacheStatus: status})
}

// GetFeed serves the publishable listings of a city as RSS.
func (h *Handler) GetFeed(c *gin.Context) {
	city := pipeline.Scope(c.Param("city"))
	if city == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing city parameter"})
		return
	}

	page := h.cache.Search(cache.Filters{City: city, PublishableOnly: true, PerPage: feedSize})

	rss, err := h.feeds.Run(city, page.Listings)
	if err != nil {
		slog.Error("Error generating feed", "city", city, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate feed"})
		return
	}

	c.Header("Content-Type", "application/rss+xml; charset=utf-8")
	c.Header("Cache-Control", "public, max-age=300")
	if page.PartialCoverage {
		c.Header("X-Partial-Coverage", "true")
	}
	c.String(http.StatusOK, rss)
}

func (h *Handler) GetHealth(c *gin.Context) {
	status := "ok"
	if h.health.AnyOpen() {
		status = "degraded"
	}

	health := gin.H{
		"status":                status,
		"timestamp":             time.Now().In(time.Local).Format(time.RFC3339),
		"version":               h.version,
		"cached_listings":       h.cache.Stats().Entries,
		"loaded_configurations": len(h.configs.GetConfigs()),
	}

	if h.store != nil {
		if stored, err := h.store.Count(c.Request.Context()); err == nil {
			health["stored_listings"] = stored
		} else {
			slog.Error("Database error", "operation", "count_listings", "error", err)
			health["status"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats := gin.H{
		"cache":   h.cache.Stats(),
		"runs":    h.reports.Reports(),
		"sources": h.health.Health(),
	}

	if h.store != nil {
		if byScope, err := h.store.CountByScope(c.Request.Context()); err == nil {
			stats["stored_by_city"] = byScope
		} else {
			slog.Error("Database error", "operation", "count_by_scope", "error", err)
		}
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) APIListSources(c *gin.Context) {
	states := make(map[string]resilience.SourceHealth)
	for _, sh := range h.health.Health() {
		states[sh.Source] = sh
	}

	configs := h.configs.GetConfigs()
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		sc := configs[name]
		info := gin.H{
			"name":       sc.Name,
			"kind":       sc.Kind,
			"shape":      sc.Shape,
			"provenance": sc.Provenance,
			"enabled":    sc.Settings.Enabled,
			"ttl":        sc.TTL().String(),
			"timeout":    sc.Timeout().String(),
			"cities":     sc.Settings.Cities,
			"state":      resilience.StateClosed,
		}
		if sh, ok := states[name]; ok {
			info["state"] = sh.State
			info["consecutive_failures"] = sh.ConsecutiveFailures
			info["last_failure_at"] = sh.LastFailureAt
			info["opened_at"] = sh.OpenedAt
		}
		out = append(out, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"sources": out,
		"total":   len(out),
	})
}

// APIIngestCity queues an ingestion run for the city. With sync=true it runs
// the pipeline inline and returns the run report.
func (h *Handler) APIIngestCity(c *gin.Context) {
	city := strings.TrimSpace(c.Param("city"))
	if city == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing city parameter"})
		return
	}

	if c.Query("sync") == "true" {
		report, err := h.ingester.IngestCity(c.Request.Context(), city)
		switch {
		case errors.Is(err, pipeline.ErrNoSources):
			c.JSON(http.StatusNotFound, gin.H{"error": "No sources serve this city"})
		case errors.Is(err, pipeline.ErrNoCoverage):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
		case err != nil:
			slog.Error("Ingestion failed", "city", city, "request_id", c.GetString("request_id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Ingestion failed", "details": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
		}
		return
	}

	task := tasks.NewIngestCityTask(city, h.ingester)
	if err := h.scheduler.EnqueueTask(task); err != nil {
		slog.Error("Error enqueueing ingest task", "city", city, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue ingest task",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Ingestion task enqueued",
		"task": gin.H{
			"id":   task.ID,
			"type": task.Type,
			"city": city,
		},
	})
}
