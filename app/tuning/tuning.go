package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/canon"
	"github.com/lysyi3m/auto-comb/app/dedup"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/source"
	"github.com/lysyi3m/auto-comb/app/trust"
)

// Tuning holds the pipeline thresholds, weights and patterns that operators
// adjust without a rebuild. Keys absent from the file keep their defaults.
type Tuning struct {
	Dedup      Dedup      `yaml:"dedup"`
	Trust      Trust      `yaml:"trust"`
	Canon      Canon      `yaml:"canon"`
	Cache      Cache      `yaml:"cache"`
	Resilience Resilience `yaml:"resilience"`
	Market     Market     `yaml:"market"`
}

type Dedup struct {
	Threshold       float64       `yaml:"threshold"`
	AmbiguityMargin float64       `yaml:"ambiguity_margin"`
	PriceBandPct    float64       `yaml:"price_band_pct"`
	MileageBandKm   int           `yaml:"mileage_band_km"`
	Weights         dedup.Weights `yaml:"weights"`
}

type Penalty struct {
	Curve  string  `yaml:"curve"` // linear or quadratic
	Factor float64 `yaml:"factor"`
}

type Trust struct {
	Weights             trust.Weights `yaml:"weights"`
	MaxDeviation        float64       `yaml:"max_deviation"`
	BelowMedianFloor    float64       `yaml:"below_median_floor"`
	Penalty             Penalty       `yaml:"penalty"`
	NeutralScore        float64       `yaml:"neutral_score"`
	FallbackConfidence  float64       `yaml:"fallback_confidence"`
	RecencyHalfLife     time.Duration `yaml:"recency_half_life"`
	RecencyFloor        float64       `yaml:"recency_floor"`
	TargetImages        int           `yaml:"target_images"`
	MinResolution       int           `yaml:"min_resolution"`
	MinComplianceImages int           `yaml:"min_compliance_images"`
	BonusCap            float64       `yaml:"bonus_cap"`
	PublishThreshold    float64       `yaml:"publish_threshold"`
}

type Canon struct {
	PlaceholderPatterns []string `yaml:"placeholder_patterns"`
	MinYear             int      `yaml:"min_year"`
	MinPriceRupees      int64    `yaml:"min_price"`
	MaxPriceRupees      int64    `yaml:"max_price"`
	MaxMileage          int      `yaml:"max_mileage"`
}

type Cache struct {
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxStale       time.Duration `yaml:"max_stale"`
	MaxAge         time.Duration `yaml:"max_age"`
	MaxEntries     int           `yaml:"max_entries"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

type Resilience struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
}

type Market struct {
	InsightTTL time.Duration `yaml:"insight_ttl"`
}

func Defaults() *Tuning {
	d := dedup.DefaultConfig()
	tr := trust.DefaultConfig()
	cn := canon.DefaultConfig()
	ca := cache.DefaultConfig()
	br := resilience.DefaultBreakerConfig()
	rp := resilience.DefaultRetryPolicy()

	return &Tuning{
		Dedup: Dedup{
			Threshold:       d.Threshold,
			AmbiguityMargin: d.AmbiguityMargin,
			PriceBandPct:    d.PriceBandPct,
			MileageBandKm:   d.MileageBandKm,
			Weights:         d.Weights,
		},
		Trust: Trust{
			Weights:             tr.Weights,
			MaxDeviation:        tr.MaxDeviation,
			BelowMedianFloor:    tr.BelowMedianFloor,
			Penalty:             Penalty{Curve: "linear", Factor: 2},
			NeutralScore:        tr.NeutralScore,
			FallbackConfidence:  tr.FallbackConfidence,
			RecencyHalfLife:     tr.RecencyHalfLife,
			RecencyFloor:        tr.RecencyFloor,
			TargetImages:        tr.TargetImages,
			MinResolution:       tr.MinResolution,
			MinComplianceImages: tr.MinComplianceImages,
			BonusCap:            tr.BonusCap,
			PublishThreshold:    tr.PublishThreshold,
		},
		Canon: Canon{
			PlaceholderPatterns: cn.PlaceholderPatterns,
			MinYear:             cn.MinYear,
			MinPriceRupees:      cn.MinPrice / 100,
			MaxPriceRupees:      cn.MaxPrice / 100,
			MaxMileage:          cn.MaxMileage,
		},
		Cache: Cache{
			DefaultTTL:     ca.DefaultTTL,
			MaxStale:       ca.MaxStale,
			MaxAge:         ca.MaxAge,
			MaxEntries:     ca.MaxEntries,
			RefreshTimeout: ca.RefreshTimeout,
		},
		Resilience: Resilience{
			FailureThreshold: br.FailureThreshold,
			Window:           br.Window,
			ResetTimeout:     br.ResetTimeout,
			MaxAttempts:      rp.MaxAttempts,
			BaseDelay:        rp.BaseDelay,
			MaxDelay:         rp.MaxDelay,
			AttemptTimeout:   rp.AttemptTimeout,
		},
		Market: Market{InsightTTL: 6 * time.Hour},
	}
}

// Load reads the tuning file on top of the defaults. A missing file yields
// the defaults.
func Load(path string) (*Tuning, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return t, nil
}

func (t *Tuning) Validate() error {
	if t.Dedup.Threshold <= 0 || t.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be in (0,1]")
	}
	if t.Dedup.AmbiguityMargin < 0 || t.Dedup.AmbiguityMargin >= t.Dedup.Threshold {
		return fmt.Errorf("dedup.ambiguity_margin must be in [0, threshold)")
	}
	if t.Dedup.PriceBandPct <= 0 || t.Dedup.MileageBandKm <= 0 {
		return fmt.Errorf("dedup bands must be positive")
	}
	if err := t.Trust.Weights.Validate(); err != nil {
		return err
	}
	if _, err := t.Trust.Penalty.curve(); err != nil {
		return err
	}
	if t.Trust.MaxDeviation <= 0 {
		return fmt.Errorf("trust.max_deviation must be positive")
	}
	if t.Canon.MinPriceRupees >= t.Canon.MaxPriceRupees {
		return fmt.Errorf("canon.min_price must be below canon.max_price")
	}
	if t.Cache.MaxStale < 0 || t.Cache.MaxAge < 0 || t.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache bounds must be non-negative")
	}
	if t.Resilience.FailureThreshold <= 0 || t.Resilience.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.failure_threshold and max_attempts must be positive")
	}
	return nil
}

func (p Penalty) curve() (trust.PenaltyCurve, error) {
	switch p.Curve {
	case "", "linear":
		return trust.LinearPenalty(p.Factor), nil
	case "quadratic":
		return trust.QuadraticPenalty(p.Factor), nil
	}
	return nil, fmt.Errorf("unknown trust.penalty.curve %q", p.Curve)
}

func (t *Tuning) DedupConfig() dedup.Config {
	return dedup.Config{
		Threshold:       t.Dedup.Threshold,
		AmbiguityMargin: t.Dedup.AmbiguityMargin,
		PriceBandPct:    t.Dedup.PriceBandPct,
		MileageBandKm:   t.Dedup.MileageBandKm,
		Weights:         t.Dedup.Weights,
	}
}

func (t *Tuning) TrustConfig() trust.Config {
	cfg := trust.DefaultConfig()
	cfg.Weights = t.Trust.Weights
	cfg.MaxDeviation = t.Trust.MaxDeviation
	cfg.BelowMedianFloor = t.Trust.BelowMedianFloor
	if curve, err := t.Trust.Penalty.curve(); err == nil {
		cfg.Penalty = curve
	}
	cfg.NeutralScore = t.Trust.NeutralScore
	cfg.FallbackConfidence = t.Trust.FallbackConfidence
	cfg.RecencyHalfLife = t.Trust.RecencyHalfLife
	cfg.RecencyFloor = t.Trust.RecencyFloor
	cfg.TargetImages = t.Trust.TargetImages
	cfg.MinResolution = t.Trust.MinResolution
	cfg.MinComplianceImages = t.Trust.MinComplianceImages
	cfg.BonusCap = t.Trust.BonusCap
	cfg.PublishThreshold = t.Trust.PublishThreshold
	return cfg
}

func (t *Tuning) CanonConfig() canon.Config {
	return canon.Config{
		PlaceholderPatterns: t.Canon.PlaceholderPatterns,
		MinYear:             t.Canon.MinYear,
		MinPrice:            t.Canon.MinPriceRupees * 100,
		MaxPrice:            t.Canon.MaxPriceRupees * 100,
		MaxMileage:          t.Canon.MaxMileage,
	}
}

func (t *Tuning) CacheConfig() cache.Config {
	return cache.Config{
		DefaultTTL:     t.Cache.DefaultTTL,
		MaxStale:       t.Cache.MaxStale,
		MaxAge:         t.Cache.MaxAge,
		MaxEntries:     t.Cache.MaxEntries,
		RefreshTimeout: t.Cache.RefreshTimeout,
	}
}

func (t *Tuning) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: t.Resilience.FailureThreshold,
		Window:           t.Resilience.Window,
		ResetTimeout:     t.Resilience.ResetTimeout,
	}
}

func (t *Tuning) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:    t.Resilience.MaxAttempts,
		BaseDelay:      t.Resilience.BaseDelay,
		MaxDelay:       t.Resilience.MaxDelay,
		AttemptTimeout: t.Resilience.AttemptTimeout,
		Jitter:         resilience.HalfJitter,
		IsTransient:    source.IsTransient,
	}
}
