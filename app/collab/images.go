package collab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lysyi3m/auto-comb/app/listing"
)

// ImageVerifier asks the image-verification service about listing photos.
// It only consumes the service's flags and hashes.
type ImageVerifier struct {
	client
}

type verifyRequest struct {
	URLs []string `json:"urls"`
}

type verifyResult struct {
	URL         string `json:"url"`
	Verified    bool   `json:"verified"`
	Placeholder bool   `json:"placeholder"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PHash       string `json:"phash"` // 64-bit hex
}

type verifyResponse struct {
	Results []verifyResult `json:"results"`
}

func NewImageVerifier(baseURL string, httpClient *http.Client, userAgent string) *ImageVerifier {
	return &ImageVerifier{client: newClient(baseURL, httpClient, userAgent, 20*time.Second)}
}

func (v *ImageVerifier) Enabled() bool {
	return v.baseURL != ""
}

func (v *ImageVerifier) Verify(ctx context.Context, urls []string) ([]listing.ImageCheck, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	if !v.Enabled() {
		return nil, fmt.Errorf("image verifier not configured")
	}

	var resp verifyResponse
	if err := v.postJSON(ctx, "/verify", verifyRequest{URLs: urls}, &resp); err != nil {
		return nil, fmt.Errorf("image verification failed: %w", err)
	}

	byURL := make(map[string]verifyResult, len(resp.Results))
	for _, r := range resp.Results {
		byURL[r.URL] = r
	}

	// Results follow the request order; URLs the service skipped stay unverified.
	checks := make([]listing.ImageCheck, 0, len(urls))
	for _, u := range urls {
		r, ok := byURL[u]
		check := listing.ImageCheck{URL: u}
		if ok {
			check.Verified = r.Verified
			check.Placeholder = r.Placeholder
			check.Width = r.Width
			check.Height = r.Height
			if r.PHash != "" {
				if h, err := strconv.ParseUint(r.PHash, 16, 64); err == nil {
					check.PHash, check.HasHash = h, true
				}
			}
		}
		checks = append(checks, check)
	}
	return checks, nil
}
