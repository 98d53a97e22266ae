package canon

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/sources"
)

// SourceConfigs resolves the mapping table registered for a source.
type SourceConfigs interface {
	GetConfig(name string) (*sources.Config, error)
}

type Config struct {
	PlaceholderPatterns []string
	MinYear             int
	MinPrice            int64 // paise
	MaxPrice            int64 // paise
	MaxMileage          int
	Now                 func() time.Time
}

func DefaultConfig() Config {
	return Config{
		PlaceholderPatterns: []string{
			`(?i)placeholder`,
			`(?i)no[-_]?image`,
			`(?i)no[-_]?photo`,
			`(?i)default[-_]?car`,
			`(?i)stock[-_]?photo`,
			`(?i)coming[-_]?soon`,
		},
		MinYear:    1980,
		MinPrice:   10_000 * 100,
		MaxPrice:   10_00_00_000 * 100,
		MaxMileage: 1_000_000,
	}
}

// completenessFields are the fields counted by Listing.CompletenessScore.
var completenessFields = []string{
	FieldBrand, FieldModel, FieldYear, FieldPrice, FieldMileage,
	FieldFuelType, FieldTransmission, FieldCity, FieldImages, FieldSellerType,
}

type Report struct {
	Listings []listing.Listing
	Failures []listing.ValidationFailure
}

type Canonicalizer struct {
	configs      SourceConfigs
	cfg          Config
	placeholders []*regexp.Regexp
	titleCaser   cases.Caser
}

func New(configs SourceConfigs, cfg Config) (*Canonicalizer, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	placeholders := make([]*regexp.Regexp, 0, len(cfg.PlaceholderPatterns))
	for _, p := range cfg.PlaceholderPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid placeholder pattern %q: %w", p, err)
		}
		placeholders = append(placeholders, re)
	}

	return &Canonicalizer{
		configs:      configs,
		cfg:          cfg,
		placeholders: placeholders,
		titleCaser:   cases.Title(language.English),
	}, nil
}

// Run maps every raw listing to exactly one Listing or ValidationFailure.
func (c *Canonicalizer) Run(raws []listing.RawListing) Report {
	report := Report{
		Listings: make([]listing.Listing, 0, len(raws)),
	}

	for _, raw := range raws {
		l, err := c.Canonicalize(raw)
		if err != nil {
			var vf listing.ValidationFailure
			if !errors.As(err, &vf) {
				vf = listing.ValidationFailure{Source: raw.Source, ExternalID: raw.ExternalID, Reason: err.Error()}
			}
			report.Failures = append(report.Failures, vf)
			continue
		}
		report.Listings = append(report.Listings, l)
	}

	if len(report.Failures) > 0 {
		slog.Debug("Canonicalization completed with validation failures",
			"total", len(raws),
			"accepted", len(report.Listings),
			"rejected", len(report.Failures))
	}

	return report
}

// Canonicalize returns the canonical listing or a listing.ValidationFailure.
func (c *Canonicalizer) Canonicalize(raw listing.RawListing) (listing.Listing, error) {
	fail := func(field, format string, args ...any) (listing.Listing, error) {
		return listing.Listing{}, listing.ValidationFailure{
			Source:     raw.Source,
			ExternalID: raw.ExternalID,
			Field:      field,
			Reason:     fmt.Sprintf(format, args...),
		}
	}

	if raw.Source == "" {
		return fail("source", "missing source")
	}
	if strings.TrimSpace(raw.ExternalID) == "" {
		return fail("external_id", "missing external id")
	}

	sourceConfig, err := c.configs.GetConfig(raw.Source)
	if err != nil {
		return fail("source", "unregistered source")
	}

	spec, ok := shapes[Shape(sourceConfig.Shape)]
	if !ok {
		return fail("shape", "unknown source shape %q", sourceConfig.Shape)
	}

	provenance := listing.Provenance(sourceConfig.Provenance)
	if !provenance.Valid() {
		return fail("listing_source", "invalid provenance %q", sourceConfig.Provenance)
	}

	get := func(field string) string {
		return lookup(raw.Fields, sourceConfig.Fields, field)
	}

	l := listing.Listing{
		Source:             raw.Source,
		ExternalID:         strings.TrimSpace(raw.ExternalID),
		Brand:              collapseSpaces(get(FieldBrand)),
		Model:              collapseSpaces(get(FieldModel)),
		FuelType:           normalizeFuel(get(FieldFuelType)),
		Transmission:       normalizeTransmission(get(FieldTransmission)),
		SellerType:         normalizeSellerType(get(FieldSellerType)),
		VerificationStatus: normalizeVerification(get(FieldVerificationStatus)),
		ListingSource:      provenance,
		FetchedAt:          raw.FetchedAt.UTC(),
		VIN:                normalizeIdentifier(get(FieldVIN)),
		Registration:       normalizeIdentifier(get(FieldRegistration)),
		TitleStatus:        normalizeTitleStatus(get(FieldTitleStatus)),
		Availability:       normalizeAvailability(get(FieldAvailability)),
	}
	if city := collapseSpaces(get(FieldCity)); city != "" {
		l.City = c.titleCaser.String(city)
	}
	l.IdentityVerified = (l.VIN != "" || l.Registration != "") && parseBool(get(FieldIdentityVerified))

	title := collapseSpaces(get(FieldTitle))
	text := title + " " + get(FieldDescription)

	present := map[string]bool{
		FieldBrand:        l.Brand != "",
		FieldModel:        l.Model != "",
		FieldCity:         l.City != "",
		FieldFuelType:     l.FuelType != "",
		FieldTransmission: l.Transmission != "",
		FieldSellerType:   l.SellerType != "",
	}

	if v := get(FieldYear); v != "" {
		year, err := parseYear(v)
		if err != nil {
			return fail(FieldYear, "cannot parse year %q", v)
		}
		l.Year = year
	} else if year, ok := yearFromText(text); ok {
		l.Year = year
	}
	if l.Year != 0 {
		maxYear := c.cfg.Now().Year() + 1
		if l.Year < c.cfg.MinYear || l.Year > maxYear {
			return fail(FieldYear, "year %d outside [%d, %d]", l.Year, c.cfg.MinYear, maxYear)
		}
		present[FieldYear] = true
	}

	priceRaw := get(FieldPrice)
	for _, key := range spec.priceKeys {
		if priceRaw != "" {
			break
		}
		priceRaw = strings.TrimSpace(raw.Fields[key])
	}
	if priceRaw != "" {
		price, err := parsePrice(priceRaw)
		if err != nil {
			return fail(FieldPrice, "cannot parse price %q", priceRaw)
		}
		l.Price = price
	} else if spec.textFallback {
		if price, ok := priceFromText(text); ok {
			l.Price = price
		}
	}
	if l.Price != 0 {
		if l.Price < c.cfg.MinPrice || l.Price > c.cfg.MaxPrice {
			return fail(FieldPrice, "price %d paise outside [%d, %d]", l.Price, c.cfg.MinPrice, c.cfg.MaxPrice)
		}
		present[FieldPrice] = true
	}

	if v := get(FieldMileage); v != "" {
		mileage, err := parseMileage(v)
		if err != nil {
			return fail(FieldMileage, "cannot parse mileage %q", v)
		}
		if mileage < 0 || mileage > c.cfg.MaxMileage {
			return fail(FieldMileage, "mileage %d outside [0, %d]", mileage, c.cfg.MaxMileage)
		}
		l.Mileage = mileage
		present[FieldMileage] = true
	}

	for _, field := range spec.required {
		if !present[field] {
			return fail(field, "required field missing")
		}
	}

	l.Images = c.filterPlaceholders(splitImages(get(FieldImages)))
	if len(l.Images) > 0 {
		l.PhotoStatus = listing.PhotoStatusHasPhotos
		present[FieldImages] = true
	} else {
		l.PhotoStatus = listing.PhotoStatusNoVerifiedPhoto
	}

	if date, ok := parseDate(get(FieldListingDate)); ok && !date.After(l.FetchedAt.Add(24*time.Hour)) {
		l.ListingDate = date
	} else {
		l.ListingDate = l.FetchedAt
	}

	if title == "" {
		title = strings.TrimSpace(strconv.Itoa(l.Year) + " " + l.Brand + " " + l.Model)
	}
	l.Title = title

	filled := 0
	for _, field := range completenessFields {
		if present[field] {
			filled++
		}
	}
	l.CompletenessScore = float64(filled) / float64(len(completenessFields))

	return l, nil
}

func (c *Canonicalizer) filterPlaceholders(images []string) []string {
	out := images[:0:0]
	for _, img := range images {
		if c.IsPlaceholder(img) {
			continue
		}
		out = append(out, img)
	}
	return out
}

func (c *Canonicalizer) IsPlaceholder(url string) bool {
	for _, re := range c.placeholders {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func lookup(fields map[string]string, mapping map[string][]string, field string) string {
	keys, ok := mapping[field]
	if !ok {
		keys = []string{field}
	}
	for _, key := range keys {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
	}
	return ""
}
