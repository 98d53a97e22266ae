package tasks

import (
	"context"
	"log/slog"
)

// SweepCacheTask drops logical listings that no source has confirmed within
// the cache's maximum age.
type SweepCacheTask struct {
	Task
	cache CacheSweeper
}

func NewSweepCacheTask(cache CacheSweeper) *SweepCacheTask {
	return &SweepCacheTask{
		Task:  NewTask(TaskTypeSweepCache, ""),
		cache: cache,
	}
}

func (t *SweepCacheTask) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	removed := t.cache.Sweep(ctx)

	slog.Info("Task completed",
		"type", "SweepCache",
		"duration", t.GetDuration(),
		"removed", removed)

	return nil
}

// RescoreTask drops cached price insights and recomputes trust for every
// cached logical listing.
type RescoreTask struct {
	Task
	rescorer Rescorer
	insights InsightCache
}

func NewRescoreTask(rescorer Rescorer, insights InsightCache) *RescoreTask {
	return &RescoreTask{
		Task:     NewTask(TaskTypeRescore, ""),
		rescorer: rescorer,
		insights: insights,
	}
}

func (t *RescoreTask) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	invalidated := 0
	if t.insights != nil {
		invalidated = t.insights.Invalidate()
	}
	rescored := t.rescorer.Rescore(ctx)

	slog.Info("Task completed",
		"type", "Rescore",
		"duration", t.GetDuration(),
		"invalidated_insights", invalidated,
		"rescored", rescored)

	return nil
}
