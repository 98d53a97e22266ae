package collab

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/auto-comb/app/trust"
)

// Market talks to the market-data service for price insights and demand.
// Insights are cached for ttl; Invalidate drops them so the next rescore
// sees refreshed medians.
type Market struct {
	client
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	insights map[string]cachedInsight
	group    singleflight.Group
}

type cachedInsight struct {
	insight   trust.Insight
	fetchedAt time.Time
}

// insightResponse prices are in rupees.
type insightResponse struct {
	MedianPrice float64 `json:"median_price"`
	MinPrice    float64 `json:"min_price"`
	MaxPrice    float64 `json:"max_price"`
	Confidence  float64 `json:"confidence"`
	SampleSize  int     `json:"sample_size"`
}

type demandResponse struct {
	Index float64 `json:"index"`
}

func NewMarket(baseURL string, httpClient *http.Client, userAgent string, ttl time.Duration) *Market {
	return &Market{
		client:   newClient(baseURL, httpClient, userAgent, 10*time.Second),
		ttl:      ttl,
		now:      time.Now,
		insights: make(map[string]cachedInsight),
	}
}

func (m *Market) PriceInsights(ctx context.Context, brand, model string, year int, city string) (trust.Insight, error) {
	if m.baseURL == "" {
		return trust.Insight{}, trust.ErrPriceServiceUnavailable
	}

	key := strings.ToLower(strings.Join([]string{brand, model, strconv.Itoa(year), city}, "|"))

	m.mu.RLock()
	cached, ok := m.insights[key]
	m.mu.RUnlock()
	if ok && (m.ttl <= 0 || m.now().Sub(cached.fetchedAt) < m.ttl) {
		return cached.insight, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		var resp insightResponse
		query := url.Values{
			"brand": {brand},
			"model": {model},
			"year":  {strconv.Itoa(year)},
			"city":  {city},
		}
		if err := m.getJSON(ctx, "/price-insights", query, &resp); err != nil {
			return nil, err
		}

		insight := trust.Insight{
			MedianPrice: toPaise(resp.MedianPrice),
			MinPrice:    toPaise(resp.MinPrice),
			MaxPrice:    toPaise(resp.MaxPrice),
			Confidence:  resp.Confidence,
			SampleSize:  resp.SampleSize,
		}
		m.mu.Lock()
		m.insights[key] = cachedInsight{insight: insight, fetchedAt: m.now()}
		m.mu.Unlock()
		return insight, nil
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return trust.Insight{}, fmt.Errorf("%w: no market data for %s", trust.ErrPriceServiceUnavailable, key)
		}
		return trust.Insight{}, fmt.Errorf("%w: %w", trust.ErrPriceServiceUnavailable, err)
	}
	return v.(trust.Insight), nil
}

func (m *Market) Demand(ctx context.Context, brand, model, city string) (float64, error) {
	if m.baseURL == "" {
		return 0, fmt.Errorf("demand service not configured")
	}

	var resp demandResponse
	query := url.Values{"brand": {brand}, "model": {model}, "city": {city}}
	if err := m.getJSON(ctx, "/demand", query, &resp); err != nil {
		return 0, fmt.Errorf("demand lookup failed: %w", err)
	}
	return resp.Index, nil
}

// Invalidate drops cached insights and returns how many were dropped.
func (m *Market) Invalidate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.insights)
	m.insights = make(map[string]cachedInsight)
	return n
}

// Expired reports whether any cached insight is older than the ttl.
func (m *Market) Expired() bool {
	if m.ttl <= 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.insights {
		if m.now().Sub(c.fetchedAt) >= m.ttl {
			return true
		}
	}
	return false
}

func toPaise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}
