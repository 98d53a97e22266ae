package api

import (
	"context"

	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/database"
	"github.com/lysyi3m/auto-comb/app/feed"
	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/pipeline"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/sources"
	"github.com/lysyi3m/auto-comb/app/tasks"
)

type ListingCache interface {
	Get(ctx context.Context, key cache.Key) (listing.LogicalListing, cache.Status, error)
	Search(f cache.Filters) cache.Page
	Stats() cache.Stats
}

type RunReports interface {
	Reports() []pipeline.Report
}

type HealthRegistry interface {
	Health() []resilience.SourceHealth
	AnyOpen() bool
}

type SourceConfigs interface {
	GetConfigs() map[string]*sources.Config
}

// StoreStats reports what the persistent cache store holds.
type StoreStats interface {
	Count(ctx context.Context) (int, error)
	CountByScope(ctx context.Context) (map[string]int, error)
}

var (
	_ ListingCache   = (*cache.Cache)(nil)
	_ RunReports     = (*pipeline.Pipeline)(nil)
	_ HealthRegistry = (*resilience.Registry)(nil)
	_ SourceConfigs  = (*sources.ConfigCache)(nil)
	_ StoreStats     = (*database.ListingRepository)(nil)
)

type Handler struct {
	cache     ListingCache
	reports   RunReports
	health    HealthRegistry
	configs   SourceConfigs
	store     StoreStats
	feeds     *feed.Generator
	ingester  tasks.CityIngester
	scheduler tasks.TaskSchedulerInterface
	version   string
}

type listingsResponse struct {
	Listings        []listing.LogicalListing `json:"listings"`
	PartialCoverage bool                     `json:"partial_coverage"`
	Page            int                      `json:"page"`
	PerPage         int                      `json:"per_page"`
	Total           int                      `json:"total"`
}

type listingResponse struct {
	Listing     listing.LogicalListing `json:"listing"`
	CacheStatus cache.Status           `json:"cache_status"`
}
