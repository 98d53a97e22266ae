package listing

import (
	"time"
)

type FuelType string

const (
	FuelPetrol   FuelType = "petrol"
	FuelDiesel   FuelType = "diesel"
	FuelCNG      FuelType = "cng"
	FuelLPG      FuelType = "lpg"
	FuelElectric FuelType = "electric"
	FuelHybrid   FuelType = "hybrid"
)

type Transmission string

const (
	TransmissionManual    Transmission = "manual"
	TransmissionAutomatic Transmission = "automatic"
)

type SellerType string

const (
	SellerDealer     SellerType = "dealer"
	SellerIndividual SellerType = "individual"
)

type VerificationStatus string

const (
	VerificationVerified   VerificationStatus = "verified"
	VerificationPending    VerificationStatus = "pending"
	VerificationUnverified VerificationStatus = "unverified"
)

// Provenance tags where a listing entered the catalog from.
type Provenance string

const (
	ProvenanceEthicalAI       Provenance = "ethical_ai"
	ProvenanceExclusiveDealer Provenance = "exclusive_dealer"
	ProvenanceUserDirect      Provenance = "user_direct"
)

func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceEthicalAI, ProvenanceExclusiveDealer, ProvenanceUserDirect:
		return true
	}
	return false
}

type TitleStatus string

const (
	TitleClean   TitleStatus = "clean"
	TitleSalvage TitleStatus = "salvage"
	TitleLien    TitleStatus = "lien"
)

type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityReserved  Availability = "reserved"
	AvailabilitySold      Availability = "sold"
)

type PhotoStatus string

const (
	PhotoStatusHasPhotos       PhotoStatus = "has_photos"
	PhotoStatusNoVerifiedPhoto PhotoStatus = "no_verified_photo"
)

// FlagDedupAmbiguous marks a logical listing that had a near-threshold
// match which was kept separate.
const FlagDedupAmbiguous = "dedup_ambiguous"

// RawListing is a record exactly as a source adapter produced it.
type RawListing struct {
	Source     string            `json:"source"`
	ExternalID string            `json:"external_id"`
	FetchedAt  time.Time         `json:"fetched_at"`
	Fields     map[string]string `json:"fields"`
}

// Key identifies a raw or canonical listing within its source.
func (r RawListing) Key() string {
	return r.Source + "|" + r.ExternalID
}

type ImageCheck struct {
	URL         string `json:"url"`
	Verified    bool   `json:"verified"`
	Placeholder bool   `json:"placeholder"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PHash       uint64 `json:"phash"`
	HasHash     bool   `json:"has_hash"`
}

// Listing is a canonical listing. Values are never modified after the
// canonicalizer creates them; derived variants are new values.
type Listing struct {
	Source             string             `json:"source"`
	ExternalID         string             `json:"external_id"`
	Title              string             `json:"title"`
	Brand              string             `json:"brand"`
	Model              string             `json:"model"`
	Year               int                `json:"year"`
	Price              int64              `json:"price"` // paise
	Mileage            int                `json:"mileage"`
	FuelType           FuelType           `json:"fuel_type,omitempty"`
	Transmission       Transmission       `json:"transmission,omitempty"`
	City               string             `json:"city"`
	Images             []string           `json:"images"`
	PhotoStatus        PhotoStatus        `json:"photo_status"`
	SellerType         SellerType         `json:"seller_type,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	ListingSource      Provenance         `json:"listing_source"`
	ListingDate        time.Time          `json:"listing_date"`
	FetchedAt          time.Time          `json:"fetched_at"`
	CompletenessScore  float64            `json:"completeness_score"`
	VIN                string             `json:"vin,omitempty"`
	Registration       string             `json:"registration,omitempty"`
	IdentityVerified   bool               `json:"identity_verified"`
	TitleStatus        TitleStatus        `json:"title_status,omitempty"`
	Availability       Availability       `json:"availability,omitempty"`
	ImageChecks        []ImageCheck       `json:"image_checks,omitempty"`
}

func (l Listing) Key() string {
	return l.Source + "|" + l.ExternalID
}

// WithImageChecks returns a copy of l carrying the given verification results.
func (l Listing) WithImageChecks(checks []ImageCheck) Listing {
	out := l
	out.Images = append([]string(nil), l.Images...)
	out.ImageChecks = append([]ImageCheck(nil), checks...)
	return out
}

// PriceRupees is a convenience for logs and API output.
func (l Listing) PriceRupees() float64 {
	return float64(l.Price) / 100
}

type TrustBreakdown struct {
	Price           float64 `json:"price"`
	Recency         float64 `json:"recency"`
	Demand          float64 `json:"demand"`
	Completeness    float64 `json:"completeness"`
	ImageQuality    float64 `json:"image_quality"`
	SellerTrust     float64 `json:"seller_trust"`
	ComplianceBonus float64 `json:"compliance_bonus"`
	Overall         float64 `json:"overall"`
	PriceConfidence float64 `json:"price_confidence"`
	PriceFallback   bool    `json:"price_fallback"`
}

// LogicalListing is one real-world vehicle merged from one or more listings.
type LogicalListing struct {
	ID                 string               `json:"id"`
	Scope              string               `json:"scope"`
	Members            []Listing            `json:"members"`
	Canonical          Listing              `json:"canonical"`
	Trust              TrustBreakdown       `json:"trust"`
	PerSourceFetchedAt map[string]time.Time `json:"per_source_fetched_at"`
	ExpiresAt          time.Time            `json:"expires_at"`
	Flags              []string             `json:"flags,omitempty"`
	Publishable        bool                 `json:"publishable"`
}

func (ll LogicalListing) HasFlag(flag string) bool {
	for _, f := range ll.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Sources returns the distinct member sources in member order.
func (ll LogicalListing) Sources() []string {
	seen := make(map[string]bool, len(ll.Members))
	var out []string
	for _, m := range ll.Members {
		if !seen[m.Source] {
			seen[m.Source] = true
			out = append(out, m.Source)
		}
	}
	return out
}

// WithTrust returns a copy of ll with a new trust breakdown.
func (ll LogicalListing) WithTrust(tb TrustBreakdown, publishable bool) LogicalListing {
	out := ll
	out.Trust = tb
	out.Publishable = publishable
	return out
}

// ValidationFailure reports a raw listing the canonicalizer could not accept.
type ValidationFailure struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Field      string `json:"field"`
	Reason     string `json:"reason"`
}

func (v ValidationFailure) Error() string {
	if v.Field == "" {
		return v.Source + "/" + v.ExternalID + ": " + v.Reason
	}
	return v.Source + "/" + v.ExternalID + ": " + v.Field + ": " + v.Reason
}
