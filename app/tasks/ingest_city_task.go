package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/auto-comb/app/pipeline"
)

type IngestCityTask struct {
	Task
	ingester CityIngester
}

func NewIngestCityTask(city string, ingester CityIngester) *IngestCityTask {
	return &IngestCityTask{
		Task:     NewTask(TaskTypeIngestCity, city),
		ingester: ingester,
	}
}

func (t *IngestCityTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	report, err := t.ingester.IngestCity(ctx, t.Subject)
	if errors.Is(err, pipeline.ErrNoSources) {
		slog.Debug("No sources serve city, skipping", "city", t.Subject)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to ingest city %s: %w", t.Subject, err)
	}

	slog.Info("Task completed",
		"type", "IngestCity",
		"city", t.Subject,
		"run_id", report.RunID,
		"duration", t.GetDuration(),
		"fetched", report.Fetched,
		"groups", report.Groups,
		"failed_sources", len(report.Failures))

	return nil
}
