package canon

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/lysyi3m/auto-comb/app/listing"
)

var (
	errNoNumber = errors.New("no numeric value")

	priceRe     = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*(crores?|cr|lakhs?|lacs?|l|k)?\b`)
	textPriceRe = regexp.MustCompile(`(?:₹|\brs\.?|\binr)\s*(\d[\d,]*(?:\.\d+)?)\s*(crores?|cr|lakhs?|lacs?|l|k)?\b`)
	mileageRe   = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*(k\b)?\s*(miles?\b|mi\b)?`)
	yearRe      = regexp.MustCompile(`\b(19[89]\d|20\d\d)\b`)
)

var unitMultipliers = map[string]float64{
	"crore":  1e7,
	"crores": 1e7,
	"cr":     1e7,
	"lakh":   1e5,
	"lakhs":  1e5,
	"lac":    1e5,
	"lacs":   1e5,
	"l":      1e5,
	"k":      1e3,
}

// parsePrice converts a rupee amount in common Indian notations to paise.
func parsePrice(s string) (int64, error) {
	m := priceRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, errNoNumber
	}
	return amountToPaise(m[1], m[2])
}

// priceFromText finds an explicitly marked rupee amount in free text.
func priceFromText(s string) (int64, bool) {
	m := textPriceRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, false
	}
	p, err := amountToPaise(m[1], m[2])
	return p, err == nil
}

func amountToPaise(number, unit string) (int64, error) {
	rupees, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", number, err)
	}
	if mult, ok := unitMultipliers[unit]; ok {
		rupees *= mult
	}
	return int64(math.Round(rupees * 100)), nil
}

func parseMileage(s string) (int, error) {
	m := mileageRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, errNoNumber
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mileage %q: %w", m[1], err)
	}
	if m[2] != "" {
		v *= 1000
	}
	if m[3] != "" {
		v *= 1.609344
	}
	return int(math.Round(v)), nil
}

func parseYear(s string) (int, error) {
	s = strings.TrimSpace(s)
	if y, err := strconv.Atoi(s); err == nil {
		return y, nil
	}
	if y, ok := yearFromText(s); ok {
		return y, nil
	}
	return 0, errNoNumber
}

func yearFromText(s string) (int, bool) {
	m := yearRe.FindString(s)
	if m == "" {
		return 0, false
	}
	y, err := strconv.Atoi(m)
	return y, err == nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	time.RFC1123Z,
	time.RFC1123,
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC(), true
	}
	return time.Time{}, false
}

func splitImages(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|' || unicode.IsSpace(r)
	})

	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func normalizeFuel(s string) listing.FuelType {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return ""
	case strings.Contains(v, "hybrid"):
		return listing.FuelHybrid
	case strings.Contains(v, "diesel"):
		return listing.FuelDiesel
	case strings.Contains(v, "cng"):
		return listing.FuelCNG
	case strings.Contains(v, "lpg"):
		return listing.FuelLPG
	case strings.Contains(v, "electric"), v == "ev", v == "bev":
		return listing.FuelElectric
	case strings.Contains(v, "petrol"), strings.Contains(v, "gasoline"), v == "gas":
		return listing.FuelPetrol
	}
	return ""
}

func normalizeTransmission(s string) listing.Transmission {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "mt", "stick":
		return listing.TransmissionManual
	case "automatic", "auto", "at", "amt", "cvt", "dct", "ags":
		return listing.TransmissionAutomatic
	}
	return ""
}

func normalizeSellerType(s string) listing.SellerType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dealer", "dealership", "business", "showroom":
		return listing.SellerDealer
	case "individual", "owner", "private", "user", "self":
		return listing.SellerIndividual
	}
	return ""
}

func normalizeVerification(s string) listing.VerificationStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "verified", "true", "yes", "1":
		return listing.VerificationVerified
	case "pending", "in_review":
		return listing.VerificationPending
	}
	return listing.VerificationUnverified
}

func normalizeTitleStatus(s string) listing.TitleStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clean", "clear":
		return listing.TitleClean
	case "salvage", "accidental", "rebuilt":
		return listing.TitleSalvage
	case "lien", "hypothecated", "loan":
		return listing.TitleLien
	}
	return ""
}

func normalizeAvailability(s string) listing.Availability {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "active", "for sale", "live":
		return listing.AvailabilityAvailable
	case "reserved", "booked", "on hold":
		return listing.AvailabilityReserved
	case "sold", "inactive", "removed":
		return listing.AvailabilitySold
	}
	return ""
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "verified", "y":
		return true
	}
	return false
}

func normalizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
