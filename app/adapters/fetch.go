package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lysyi3m/auto-comb/app/source"
)

const maxBodySize = 10 << 20

// httpFetcher performs GET requests and classifies failures for the
// resilience layer: network errors, timeouts, 408, 429 and 5xx are
// transient, everything else is permanent.
type httpFetcher struct {
	name      string
	client    *http.Client
	userAgent string
	timeout   time.Duration
	accept    string
}

func (f *httpFetcher) get(ctx context.Context, url string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, source.Permanent(f.name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.accept != "" {
		req.Header.Set("Accept", f.accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, source.Transient(f.name, fmt.Errorf("failed to fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpErr := fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if retryableStatus(resp.StatusCode) {
			return nil, source.Transient(f.name, httpErr)
		}
		return nil, source.Permanent(f.name, httpErr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, source.Transient(f.name, fmt.Errorf("failed to read response body: %w", err))
	}
	return data, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
