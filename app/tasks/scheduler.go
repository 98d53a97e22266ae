package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/auto-comb/app/pipeline"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Config struct {
	Cities          []string
	WorkerCount     int
	Interval        time.Duration // tick between due checks
	IngestInterval  time.Duration
	SweepInterval   time.Duration
	RescoreInterval time.Duration
	TaskTimeout     time.Duration
}

type Scheduler struct {
	cfg       Config
	ingester  CityIngester
	sweeper   CacheSweeper
	rescorer  Rescorer
	insights  InsightCache
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	taskQueue chan TaskInterface

	// lastRun is owned by the ticker goroutine.
	lastRun map[string]time.Time
}

func NewScheduler(cfg Config, ingester CityIngester, sweeper CacheSweeper, rescorer Rescorer, insights InsightCache) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}

	return &Scheduler{
		cfg:       cfg,
		ingester:  ingester,
		sweeper:   sweeper,
		rescorer:  rescorer,
		insights:  insights,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan TaskInterface, 300),
		lastRun:   make(map[string]time.Time),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.enqueueTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

// Stop cancels running tasks and waits for workers and pending retries.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// due reports whether the periodic job key should run now, and records the
// run if so. A zero interval disables the job.
func (s *Scheduler) due(key string, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return false
	}
	last, ok := s.lastRun[key]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastRun[key] = now
	return true
}

func (s *Scheduler) enqueueTasks() {
	now := s.now()

	if len(s.cfg.Cities) == 0 {
		slog.Debug("No cities configured for ingestion")
	}

	for _, city := range s.cfg.Cities {
		if !s.due("ingest:"+pipeline.Scope(city), s.cfg.IngestInterval, now) {
			continue
		}
		if err := s.EnqueueTask(NewIngestCityTask(city, s.ingester)); err != nil {
			slog.Warn("Failed to enqueue IngestCityTask", "city", city, "error", err)
		}
	}

	if s.sweeper != nil && s.due("sweep", s.cfg.SweepInterval, now) {
		if err := s.EnqueueTask(NewSweepCacheTask(s.sweeper)); err != nil {
			slog.Warn("Failed to enqueue SweepCacheTask", "error", err)
		}
	}

	if s.rescorer != nil && s.rescoreDue(now) {
		if err := s.EnqueueTask(NewRescoreTask(s.rescorer, s.insights)); err != nil {
			slog.Warn("Failed to enqueue RescoreTask", "error", err)
		}
	}
}

// rescoreDue fires on the rescore interval, or earlier once the cached
// price insights have expired.
func (s *Scheduler) rescoreDue(now time.Time) bool {
	if _, seen := s.lastRun["rescore"]; !seen {
		// Ingestion scores everything it stores; nothing to redo at startup.
		s.lastRun["rescore"] = now
		return false
	}
	if s.insights != nil && s.insights.Expired() {
		s.lastRun["rescore"] = now
		return true
	}
	return s.due("rescore", s.cfg.RescoreInterval, now)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func retryDelay(retryCount int) time.Duration {
	delay := time.Duration(1<<uint(retryCount-1)) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.cfg.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "subject", task.GetSubject(), "retry_count", task.GetRetryCount(), "error", err)

	if s.ctx.Err() != nil {
		return
	}

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "subject", task.GetSubject(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	delay := retryDelay(task.GetRetryCount())

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "subject", task.GetSubject(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", delay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-time.After(delay):
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}
