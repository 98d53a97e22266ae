package tasks

import (
	"context"

	"github.com/lysyi3m/auto-comb/app/pipeline"
)

// TaskSchedulerInterface is what the API needs to queue work for the
// background workers.
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

type CityIngester interface {
	IngestCity(ctx context.Context, city string) (*pipeline.Report, error)
}

type CacheSweeper interface {
	Sweep(ctx context.Context) int
}

type Rescorer interface {
	Rescore(ctx context.Context) int
}

// InsightCache is the price-insight cache whose expiry triggers a rescore.
type InsightCache interface {
	Expired() bool
	Invalidate() int
}
