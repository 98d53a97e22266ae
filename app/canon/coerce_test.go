package canon

import "testing"

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"550000", 55000000},
		{"₹ 5,50,000", 55000000},
		{"Rs. 5,50,000/-", 55000000},
		{"5.5 lakh", 55000000},
		{"5.5 Lakhs", 55000000},
		{"4.75L", 47500000},
		{"1.2 crore", 1200000000},
		{"850k", 85000000},
	}

	for _, tt := range tests {
		got, err := parsePrice(tt.in)
		if err != nil {
			t.Errorf("parsePrice(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePrice(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if _, err := parsePrice("negotiable"); err == nil {
		t.Error("Expected error for non-numeric price")
	}
}

func TestPriceFromText(t *testing.T) {
	if p, ok := priceFromText("2019 cars for sale, asking ₹6,20,000 firm"); !ok || p != 62000000 {
		t.Errorf("Expected 62000000, got %d (%v)", p, ok)
	}
	if _, ok := priceFromText("2019 cars for sale"); ok {
		t.Error("Expected no price without a rupee marker")
	}
}

func TestParseMileage(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"45000", 45000},
		{"45,000 km", 45000},
		{"45k", 45000},
		{"45k km", 45000},
		{"10000 miles", 16093},
	}

	for _, tt := range tests {
		got, err := parseMileage(tt.in)
		if err != nil {
			t.Errorf("parseMileage(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMileage(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseYear(t *testing.T) {
	if y, err := parseYear("2020"); err != nil || y != 2020 {
		t.Errorf("Expected 2020, got %d (%v)", y, err)
	}
	if y, err := parseYear("Model year 2017"); err != nil || y != 2017 {
		t.Errorf("Expected 2017 from text, got %d (%v)", y, err)
	}
	if _, err := parseYear("recent"); err == nil {
		t.Error("Expected error for missing year")
	}
}

func TestSplitImages(t *testing.T) {
	got := splitImages("https://a/1.jpg, https://a/2.jpg|https://a/1.jpg  not-a-url https://a/3.jpg")
	want := []string{"https://a/1.jpg", "https://a/2.jpg", "https://a/3.jpg"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Image %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"2024-05-01", "2024-05-01T00:00:00Z", "01/05/2024", "1714521600"} {
		d, ok := parseDate(in)
		if !ok {
			t.Errorf("parseDate(%q) failed", in)
			continue
		}
		if d.Year() != 2024 || d.Month() != 5 || d.Day() != 1 {
			t.Errorf("parseDate(%q) = %v", in, d)
		}
	}
}
