package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/lysyi3m/auto-comb/app/listing"
)

func sampleListings() []listing.LogicalListing {
	fetched := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	listed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	swift := listing.Listing{
		Source:       "carhub",
		ExternalID:   "c-1",
		Title:        "2019 Maruti Swift VXI",
		Brand:        "Maruti",
		Model:        "Swift",
		Year:         2019,
		Price:        550000_00,
		Mileage:      42000,
		FuelType:     listing.FuelPetrol,
		City:         "Pune",
		Images:       []string{"https://img.example.com/swift.png?w=800"},
		ListingDate:  listed,
		FetchedAt:    fetched,
		Transmission: listing.TransmissionManual,
	}
	creta := listing.Listing{
		Source:     "wheels",
		ExternalID: "w-2",
		Brand:      "Hyundai",
		Model:      "Creta",
		Year:       2021,
		Price:      1250000_00,
		City:       "Pune",
		FetchedAt:  fetched.Add(time.Hour),
	}

	return []listing.LogicalListing{
		{
			ID:                 "vin-MA3FJEB1S00123456",
			Scope:              "pune",
			Members:            []listing.Listing{swift, {Source: "wheels", ExternalID: "w-9"}},
			Canonical:          swift,
			Trust:              listing.TrustBreakdown{Overall: 78.4},
			PerSourceFetchedAt: map[string]time.Time{"carhub": fetched, "wheels": fetched},
			Publishable:        true,
		},
		{
			ID:                 "grp-abc123",
			Scope:              "pune",
			Members:            []listing.Listing{creta},
			Canonical:          creta,
			Trust:              listing.TrustBreakdown{Overall: 64},
			PerSourceFetchedAt: map[string]time.Time{"wheels": creta.FetchedAt},
			Publishable:        true,
		},
	}
}

func TestGeneratorRun(t *testing.T) {
	generator := NewGenerator("https://cars.example.com/", "1.2.3")

	rss, err := generator.Run("pune", sampleListings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.HasPrefix(rss, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Error("RSS should start with XML declaration")
	}
	if !strings.Contains(rss, `<atom:link href="https://cars.example.com/feeds/pune" rel="self" type="application/rss+xml" />`) {
		t.Error("RSS should contain self link")
	}
	if !strings.Contains(rss, "<generator>Auto-Comb/1.2.3</generator>") {
		t.Error("RSS should contain generator with version")
	}
	if !strings.Contains(rss, `<guid isPermaLink="false">pune/vin-MA3FJEB1S00123456</guid>`) {
		t.Error("RSS should contain scoped guid")
	}
	if !strings.Contains(rss, `<enclosure url="https://img.example.com/swift.png?w=800" length="0" type="image/png" />`) {
		t.Error("RSS should contain image enclosure")
	}
	if !strings.Contains(rss, "<lastBuildDate>Mon, 02 Mar 2026 10:30:00 +0000</lastBuildDate>") {
		t.Errorf("Expected lastBuildDate from newest fetch:\n%s", rss)
	}

	parsed, err := gofeed.NewParser().ParseString(rss)
	if err != nil {
		t.Fatalf("Generated RSS does not parse: %v", err)
	}
	if parsed.Title != "Used cars in pune" {
		t.Errorf("Unexpected channel title %q", parsed.Title)
	}
	if len(parsed.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(parsed.Items))
	}

	first := parsed.Items[0]
	if first.Title != "2019 Maruti Swift VXI" {
		t.Errorf("Unexpected title %q", first.Title)
	}
	if first.Link != "https://cars.example.com/listings/pune/vin-MA3FJEB1S00123456" {
		t.Errorf("Unexpected link %q", first.Link)
	}
	if !strings.Contains(first.Description, "Price: Rs 550000") || !strings.Contains(first.Description, "Sources: carhub, wheels") {
		t.Errorf("Unexpected description %q", first.Description)
	}
	if len(first.Categories) != 3 {
		t.Errorf("Expected brand, fuel and transmission categories, got %v", first.Categories)
	}

	second := parsed.Items[1]
	if second.Title != "2021 Hyundai Creta" {
		t.Errorf("Expected title built from year, brand and model, got %q", second.Title)
	}
	if second.PublishedParsed == nil || !second.PublishedParsed.Equal(sampleListings()[1].Canonical.FetchedAt) {
		t.Errorf("Expected pubDate to fall back to fetch time, got %v", second.PublishedParsed)
	}
	if len(second.Enclosures) != 0 {
		t.Errorf("Expected no enclosure without images, got %d", len(second.Enclosures))
	}
}

func TestGeneratorEmptyChannel(t *testing.T) {
	generator := NewGenerator("http://localhost:8080", "dev")
	generator.now = func() time.Time { return time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC) }

	rss, err := generator.Run("delhi", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Contains(rss, "<item>") {
		t.Error("Expected no items")
	}
	if !strings.Contains(rss, "<lastBuildDate>") {
		t.Error("Expected lastBuildDate even without items")
	}
}

func TestGeneratorEscapesContent(t *testing.T) {
	ll := sampleListings()[:1]
	ll[0].Canonical.Title = `Swift <VXI> & "AMT"`

	rss, err := NewGenerator("http://localhost:8080", "dev").Run("pune", ll)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(rss, "<title>Swift &lt;VXI&gt; &amp; &#34;AMT&#34;</title>") {
		t.Errorf("Expected escaped title:\n%s", rss)
	}
}

func TestGeneratorRequiresCity(t *testing.T) {
	if _, err := NewGenerator("http://localhost:8080", "dev").Run(" ", nil); err == nil {
		t.Error("Expected error for empty city")
	}
}

func TestImageType(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://img.example.com/a.jpg", "image/jpeg"},
		{"https://img.example.com/a.PNG", "image/png"},
		{"https://img.example.com/a.webp?x=1", "image/webp"},
		{"https://img.example.com/photos/123", "image/jpeg"},
		{"https://img.example.com/v1.2/photo", "image/jpeg"},
	}

	for _, tt := range tests {
		if got := imageType(tt.url); got != tt.want {
			t.Errorf("imageType(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
