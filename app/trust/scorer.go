package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lysyi3m/auto-comb/app/listing"
)

var ErrPriceServiceUnavailable = errors.New("price service unavailable")

// Insight is the market view of a make/model/year in a city. Prices are
// in paise.
type Insight struct {
	MedianPrice int64   `json:"median_price"`
	MinPrice    int64   `json:"min_price"`
	MaxPrice    int64   `json:"max_price"`
	Confidence  float64 `json:"confidence"` // [0,1]
	SampleSize  int     `json:"sample_size"`
}

type PriceInsights interface {
	PriceInsights(ctx context.Context, brand, model string, year int, city string) (Insight, error)
}

// DemandSource returns a popularity index in [0,1].
type DemandSource interface {
	Demand(ctx context.Context, brand, model, city string) (float64, error)
}

// PenaltyCurve maps how far a price sits below the anomaly floor (as a
// fraction of the median) to extra penalty points. It must be monotonic
// non-decreasing.
type PenaltyCurve func(excess float64) float64

func LinearPenalty(pointsPerPct float64) PenaltyCurve {
	return func(excess float64) float64 {
		if excess <= 0 {
			return 0
		}
		return excess * 100 * pointsPerPct
	}
}

func QuadraticPenalty(scale float64) PenaltyCurve {
	return func(excess float64) float64 {
		if excess <= 0 {
			return 0
		}
		pct := excess * 100
		return pct * pct * scale
	}
}

type Weights struct {
	Price        float64 `yaml:"price"`
	Recency      float64 `yaml:"recency"`
	Demand       float64 `yaml:"demand"`
	Completeness float64 `yaml:"completeness"`
	ImageQuality float64 `yaml:"image_quality"`
	SellerTrust  float64 `yaml:"seller_trust"`
}

func (w Weights) Validate() error {
	parts := []float64{w.Price, w.Recency, w.Demand, w.Completeness, w.ImageQuality, w.SellerTrust}
	sum := 0.0
	for _, p := range parts {
		if p < 0 {
			return fmt.Errorf("trust weights must be non-negative")
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("trust weights must sum to 1, got %.4f", sum)
	}
	return nil
}

type Config struct {
	Weights             Weights
	MaxDeviation        float64
	BelowMedianFloor    float64
	Penalty             PenaltyCurve
	NeutralScore        float64
	FallbackConfidence  float64
	RecencyHalfLife     time.Duration
	RecencyFloor        float64
	TargetImages        int
	MinResolution       int
	MinComplianceImages int
	BonusCap            float64
	PublishThreshold    float64
	Now                 func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Price:        0.25,
			Recency:      0.15,
			Demand:       0.10,
			Completeness: 0.20,
			ImageQuality: 0.15,
			SellerTrust:  0.15,
		},
		MaxDeviation:        0.30,
		BelowMedianFloor:    0.20,
		Penalty:             LinearPenalty(2),
		NeutralScore:        50,
		FallbackConfidence:  0.2,
		RecencyHalfLife:     14 * 24 * time.Hour,
		RecencyFloor:        10,
		TargetImages:        5,
		MinResolution:       640,
		MinComplianceImages: 3,
		BonusCap:            10,
		PublishThreshold:    60,
	}
}

type Scorer struct {
	cfg    Config
	prices PriceInsights
	demand DemandSource
}

func NewScorer(cfg Config, prices PriceInsights, demand DemandSource) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.Penalty == nil {
		cfg.Penalty = LinearPenalty(2)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxDeviation <= 0 {
		return nil, fmt.Errorf("max deviation must be positive")
	}
	if cfg.BonusCap < 0 {
		return nil, fmt.Errorf("bonus cap must be non-negative")
	}
	return &Scorer{cfg: cfg, prices: prices, demand: demand}, nil
}

// Apply returns a copy of ll with a freshly computed breakdown.
func (s *Scorer) Apply(ctx context.Context, ll listing.LogicalListing) listing.LogicalListing {
	tb := s.Score(ctx, ll)
	return ll.WithTrust(tb, tb.Overall >= s.cfg.PublishThreshold)
}

func (s *Scorer) Score(ctx context.Context, ll listing.LogicalListing) listing.TrustBreakdown {
	c := ll.Canonical
	w := s.cfg.Weights

	var tb listing.TrustBreakdown
	tb.Price, tb.PriceConfidence, tb.PriceFallback = s.priceScore(ctx, c)
	tb.Recency = s.recencyScore(c)
	tb.Demand = s.demandScore(ctx, c)
	tb.Completeness = clamp(c.CompletenessScore*100, 0, 100)
	tb.ImageQuality = s.imageScore(ll)
	tb.SellerTrust = s.sellerScore(ll)

	if _, verified := s.qualifyingImages(c); s.compliant(c, verified) {
		tb.ComplianceBonus = s.cfg.BonusCap
	}

	weighted := w.Price*tb.Price +
		w.Recency*tb.Recency +
		w.Demand*tb.Demand +
		w.Completeness*tb.Completeness +
		w.ImageQuality*tb.ImageQuality +
		w.SellerTrust*tb.SellerTrust

	tb.Overall = round2(clamp(weighted, 0, 100) + tb.ComplianceBonus)
	tb.Price = round2(tb.Price)
	tb.Recency = round2(tb.Recency)
	tb.Demand = round2(tb.Demand)
	tb.Completeness = round2(tb.Completeness)
	tb.ImageQuality = round2(tb.ImageQuality)
	tb.SellerTrust = round2(tb.SellerTrust)

	return tb
}

// priceScore returns the price component, the confidence it was blended
// with and whether it fell back to the neutral score.
func (s *Scorer) priceScore(ctx context.Context, c listing.Listing) (float64, float64, bool) {
	neutral := s.cfg.NeutralScore
	fallback := clamp(s.cfg.FallbackConfidence, 0, 1)
	if s.prices == nil {
		return neutral, fallback, true
	}

	insight, err := s.prices.PriceInsights(ctx, c.Brand, c.Model, c.Year, c.City)
	if err != nil || insight.MedianPrice <= 0 {
		if err != nil && !errors.Is(err, ErrPriceServiceUnavailable) {
			slog.Warn("Price insight lookup failed", "brand", c.Brand, "model", c.Model, "city", c.City, "error", err)
		}
		return neutral, fallback, true
	}

	median := float64(insight.MedianPrice)
	d := (float64(c.Price) - median) / median

	raw := 100 * (1 - math.Abs(d)/s.cfg.MaxDeviation)
	if d < -s.cfg.BelowMedianFloor {
		raw -= s.cfg.Penalty(-d - s.cfg.BelowMedianFloor)
	}
	raw = clamp(raw, 0, 100)

	confidence := clamp(insight.Confidence, 0, 1)
	return neutral + confidence*(raw-neutral), confidence, false
}

func (s *Scorer) recencyScore(c listing.Listing) float64 {
	if s.cfg.RecencyHalfLife <= 0 {
		return 100
	}
	age := s.cfg.Now().Sub(c.ListingDate)
	if age < 0 {
		age = 0
	}
	score := 100 * math.Pow(0.5, float64(age)/float64(s.cfg.RecencyHalfLife))
	return clamp(math.Max(score, s.cfg.RecencyFloor), 0, 100)
}

func (s *Scorer) demandScore(ctx context.Context, c listing.Listing) float64 {
	if s.demand == nil {
		return s.cfg.NeutralScore
	}
	d, err := s.demand.Demand(ctx, c.Brand, c.Model, c.City)
	if err != nil {
		slog.Debug("Demand lookup failed", "brand", c.Brand, "model", c.Model, "error", err)
		return s.cfg.NeutralScore
	}
	return clamp(d, 0, 1) * 100
}

// imageScore uses the best-illustrated member.
func (s *Scorer) imageScore(ll listing.LogicalListing) float64 {
	target := float64(max(s.cfg.TargetImages, 1))

	best := 0.0
	for _, m := range ll.Members {
		if q, _ := s.qualifyingImages(m); q > best {
			best = q
		}
	}
	return math.Min(1, best/target) * 100
}

func (s *Scorer) qualifyingImages(m listing.Listing) (float64, int) {
	if len(m.ImageChecks) == 0 {
		return 0.5 * float64(len(m.Images)), 0
	}

	q, verified := 0.0, 0
	for _, ic := range m.ImageChecks {
		switch {
		case ic.Placeholder:
		case ic.Verified && min(ic.Width, ic.Height) >= s.cfg.MinResolution:
			q++
			verified++
		case !ic.Verified:
			q += 0.5
		}
	}
	return q, verified
}

func (s *Scorer) sellerScore(ll listing.LogicalListing) float64 {
	c := ll.Canonical

	var score float64
	switch c.VerificationStatus {
	case listing.VerificationVerified:
		score = 80
	case listing.VerificationPending:
		score = 55
	case listing.VerificationUnverified:
		score = 35
	default:
		score = 45
	}

	if c.SellerType == listing.SellerDealer {
		score += 5
	}
	if c.ListingSource == listing.ProvenanceExclusiveDealer {
		score += 10
	}

	corroboration := len(ll.Sources()) - 1
	score += math.Min(float64(corroboration)*5, 15)

	return clamp(score, 0, 100)
}

func (s *Scorer) compliant(c listing.Listing, verifiedImages int) bool {
	return c.VIN != "" &&
		c.Mileage > 0 &&
		c.TitleStatus == listing.TitleClean &&
		c.Availability == listing.AvailabilityAvailable &&
		verifiedImages >= s.cfg.MinComplianceImages
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
