package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lysyi3m/auto-comb/app/pipeline"
)

type fakeIngester struct {
	calls atomic.Int32
	err   error
}

func (f *fakeIngester) IngestCity(ctx context.Context, city string) (*pipeline.Report, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Report{RunID: "run-1", City: pipeline.Scope(city)}, nil
}

type fakeCache struct {
	sweeps   atomic.Int32
	rescores atomic.Int32
}

func (f *fakeCache) Sweep(ctx context.Context) int {
	f.sweeps.Add(1)
	return 3
}

func (f *fakeCache) Rescore(ctx context.Context) int {
	f.rescores.Add(1)
	return 7
}

type fakeInsights struct {
	expired     atomic.Bool
	invalidated atomic.Int32
}

func (f *fakeInsights) Expired() bool {
	return f.expired.Load()
}

func (f *fakeInsights) Invalidate() int {
	f.invalidated.Add(1)
	f.expired.Store(false)
	return 2
}

func drain(s *Scheduler) map[TaskType]int {
	counts := make(map[TaskType]int)
	for {
		select {
		case task := <-s.taskQueue:
			counts[task.GetType()]++
		default:
			return counts
		}
	}
}

func TestEnqueueTasksSchedulesDueWork(t *testing.T) {
	cache := &fakeCache{}
	insights := &fakeInsights{}
	s := NewScheduler(Config{
		Cities:          []string{"Pune", "Delhi"},
		IngestInterval:  10 * time.Minute,
		SweepInterval:   time.Hour,
		RescoreInterval: 6 * time.Hour,
	}, &fakeIngester{}, cache, cache, insights)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.enqueueTasks()
	got := drain(s)
	if got[TaskTypeIngestCity] != 2 || got[TaskTypeSweepCache] != 1 || got[TaskTypeRescore] != 0 {
		t.Errorf("Unexpected startup tasks %v", got)
	}

	now = now.Add(5 * time.Minute)
	s.enqueueTasks()
	if got := drain(s); len(got) != 0 {
		t.Errorf("Expected nothing due, got %v", got)
	}

	now = now.Add(6 * time.Minute)
	insights.expired.Store(true)
	s.enqueueTasks()
	got = drain(s)
	if got[TaskTypeIngestCity] != 2 || got[TaskTypeRescore] != 1 || got[TaskTypeSweepCache] != 0 {
		t.Errorf("Expected ingestion and insight-triggered rescore, got %v", got)
	}

	now = now.Add(6 * time.Hour)
	insights.expired.Store(false)
	s.enqueueTasks()
	if got := drain(s); got[TaskTypeRescore] != 1 {
		t.Errorf("Expected interval rescore, got %v", got)
	}
}

func TestDueDisabledInterval(t *testing.T) {
	s := NewScheduler(Config{}, &fakeIngester{}, nil, nil, nil)
	if s.due("sweep", 0, time.Now()) {
		t.Error("Zero interval must disable the job")
	}
}

func TestEnqueueTaskAfterStop(t *testing.T) {
	s := NewScheduler(Config{Interval: time.Hour}, &fakeIngester{}, nil, nil, nil)
	s.Start()
	s.Stop()

	if err := s.EnqueueTask(NewSweepCacheTask(&fakeCache{})); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled after stop, got %v", err)
	}
}

func TestExecuteTaskSchedulesRetry(t *testing.T) {
	s := NewScheduler(Config{}, nil, nil, nil, nil)
	defer s.Stop()

	task := NewIngestCityTask("Pune", &fakeIngester{err: pipeline.ErrNoCoverage})
	s.executeTask(0, task)

	if task.GetRetryCount() != 1 {
		t.Fatalf("Expected retry count 1, got %d", task.GetRetryCount())
	}

	select {
	case requeued := <-s.taskQueue:
		if requeued.GetID() != task.GetID() {
			t.Errorf("Expected the same task re-enqueued, got %s", requeued.GetID())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Task was not re-enqueued")
	}
}

func TestExecuteTaskStopsAfterMaxRetries(t *testing.T) {
	s := NewScheduler(Config{}, nil, nil, nil, nil)
	defer s.Stop()

	task := NewIngestCityTask("Pune", &fakeIngester{err: pipeline.ErrNoCoverage})
	task.RetryCount = task.MaxRetries
	s.executeTask(0, task)

	if task.GetRetryCount() != task.MaxRetries {
		t.Errorf("Expected no further retries, got %d", task.GetRetryCount())
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.retry); got != tt.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestSchedulerRunsStartupIngestion(t *testing.T) {
	ingester := &fakeIngester{}
	s := NewScheduler(Config{
		Cities:         []string{"Pune"},
		WorkerCount:    2,
		Interval:       10 * time.Millisecond,
		IngestInterval: time.Hour,
	}, ingester, nil, nil, nil)

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for ingester.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if got := ingester.calls.Load(); got != 1 {
		t.Errorf("Expected one ingestion within the interval, got %d", got)
	}
}
