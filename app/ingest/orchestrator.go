package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/source"
)

type FailureKind string

const (
	FailureTransient   FailureKind = "transient"
	FailurePermanent   FailureKind = "permanent"
	FailureCircuitOpen FailureKind = "circuit_open"
)

type Request struct {
	City   string
	Cursor string
}

type SourceFailure struct {
	Source string      `json:"source"`
	Reason string      `json:"reason"`
	Kind   FailureKind `json:"kind"`
}

type Result struct {
	RunID     string               `json:"run_id"`
	City      string               `json:"city"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Listings  []listing.RawListing `json:"-"`
	Failures  []SourceFailure      `json:"failures"`
	Succeeded []string             `json:"succeeded"`
	// Cancelled lists sources that were interrupted or never started
	// because the run deadline passed or the caller gave up.
	Cancelled []string `json:"cancelled"`
	Degraded  bool     `json:"degraded"`
}

type Config struct {
	Concurrency int
	RunTimeout  time.Duration
	Retry       resilience.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		RunTimeout:  2 * time.Minute,
		Retry:       resilience.DefaultRetryPolicy(),
	}
}

type Orchestrator struct {
	cfg      Config
	breakers *resilience.Registry
	now      func() time.Time
}

func New(cfg Config, breakers *resilience.Registry) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Orchestrator{cfg: cfg, breakers: breakers, now: time.Now}
}

type sourceOutcome struct {
	name        string
	started     bool
	interrupted bool
	listings    []listing.RawListing
	err         error
}

// Run fetches from every adapter with bounded concurrency. It never fails:
// per-source problems are reported in the result, and a run where no source
// succeeded comes back empty and degraded.
func (o *Orchestrator) Run(ctx context.Context, req Request, adapters []source.Adapter) *Result {
	started := o.now()
	result := &Result{
		RunID:     uuid.New().String(),
		City:      req.City,
		StartedAt: started,
		Failures:  []SourceFailure{},
		Succeeded: []string{},
		Cancelled: []string{},
	}

	runCtx := ctx
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	outcomes := make([]sourceOutcome, len(adapters))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)

	for i, a := range adapters {
		outcomes[i].name = a.Name()
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			outcomes[i].started = true
			outcomes[i].listings, outcomes[i].err = o.fetch(runCtx, a, req)
			outcomes[i].interrupted = outcomes[i].err != nil && runCtx.Err() != nil
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		switch {
		case !out.started:
			result.Cancelled = append(result.Cancelled, out.name)
		case out.err == nil:
			result.Succeeded = append(result.Succeeded, out.name)
			for _, raw := range out.listings {
				if raw.Source == "" {
					raw.Source = out.name
				}
				result.Listings = append(result.Listings, raw)
			}
		case out.interrupted:
			result.Cancelled = append(result.Cancelled, out.name)
		default:
			result.Failures = append(result.Failures, SourceFailure{
				Source: out.name,
				Reason: out.err.Error(),
				Kind:   classify(out.err),
			})
		}
	}

	sort.Slice(result.Listings, func(i, j int) bool {
		a, b := result.Listings[i], result.Listings[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ExternalID < b.ExternalID
	})

	result.Degraded = len(adapters) > 0 && len(result.Succeeded) == 0
	if result.Degraded {
		result.Listings = nil
	}
	result.Duration = o.now().Sub(started)

	logAttrs := []any{
		"run_id", result.RunID,
		"city", req.City,
		"sources", len(adapters),
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failures),
		"cancelled", len(result.Cancelled),
		"listings", len(result.Listings),
		"duration", result.Duration,
	}
	if result.Degraded {
		slog.Warn("Ingestion run degraded", logAttrs...)
	} else {
		slog.Info("Ingestion run completed", logAttrs...)
	}

	return result
}

// fetch runs one source under retry, with the breaker consulted on every
// attempt so that each upstream call is counted.
func (o *Orchestrator) fetch(runCtx context.Context, a source.Adapter, req Request) ([]listing.RawListing, error) {
	br := o.breakers.Breaker(a.Name())

	var raws []listing.RawListing
	err := resilience.Retry(runCtx, o.cfg.Retry, func(attemptCtx context.Context) error {
		done, err := br.Allow()
		if err != nil {
			return err
		}

		out, err := a.Fetch(attemptCtx, req.City, req.Cursor)
		switch {
		case err == nil:
			done(resilience.OutcomeSuccess)
			raws = out
		case runCtx.Err() != nil:
			done(resilience.OutcomeCancelled)
		default:
			done(resilience.OutcomeFailure)
		}
		return err
	})

	if err != nil {
		slog.Debug("Source fetch failed", "source", a.Name(), "city", req.City, "error", err)
	}
	return raws, err
}

func classify(err error) FailureKind {
	var open *resilience.CircuitOpenError
	switch {
	case errors.As(err, &open):
		return FailureCircuitOpen
	case source.IsPermanent(err):
		return FailurePermanent
	case source.IsTransient(err), errors.Is(err, resilience.ErrAttemptTimeout):
		return FailureTransient
	default:
		return FailurePermanent
	}
}
