package dedup

import (
	"math"
	"math/bits"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/lysyi3m/auto-comb/app/listing"
)

// normalizeText folds case and diacritics and keeps letters and digits,
// separated by single spaces.
func normalizeText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// identityKey is the part of the bucket key that must match exactly.
func identityKey(l listing.Listing) string {
	return normalizeText(l.Brand) + "|" + normalizeText(l.Model) + "|" + strconv.Itoa(l.Year) + "|" + normalizeText(l.City)
}

func priceBand(price int64, pct float64) int {
	if price <= 0 || pct <= 0 {
		return 0
	}
	return int(math.Round(math.Log(float64(price)) / math.Log1p(pct/100)))
}

func mileageBand(km, bandKm int) int {
	if bandKm <= 0 {
		return 0
	}
	return int(math.Round(float64(km) / float64(bandKm)))
}

// BucketKey is the blocking key: brand, model, year and city, plus the
// price rounded to the nearest price band and the mileage to the nearest
// mileage band.
func BucketKey(l listing.Listing, cfg Config) string {
	return identityKey(l) + "|p" + strconv.Itoa(priceBand(l.Price, cfg.PriceBandPct)) + "|m" + strconv.Itoa(mileageBand(l.Mileage, cfg.MileageBandKm))
}

func bigrams(s string) map[string]int {
	out := make(map[string]int)
	r := []rune(s)
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])]++
	}
	return out
}

// titleSimilarity is the Sørensen-Dice coefficient over character bigrams.
func titleSimilarity(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == b {
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	total := 0
	for _, n := range ba {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	if total == 0 {
		return 0
	}
	shared := 0
	for g, n := range ba {
		shared += min(n, bb[g])
	}
	return 2 * float64(shared) / float64(total)
}

func relativeDelta(a, b int64) float64 {
	hi, lo := max(a, b), min(a, b)
	if hi <= 0 {
		return 0
	}
	return float64(hi-lo) / float64(hi)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func imageSimilarity(a, b []listing.ImageCheck) (float64, bool) {
	best, found := 0.0, false
	for _, ia := range a {
		if !ia.HasHash || ia.Placeholder {
			continue
		}
		for _, ib := range b {
			if !ib.HasHash || ib.Placeholder {
				continue
			}
			found = true
			sim := 1 - float64(bits.OnesCount64(ia.PHash^ib.PHash))/64
			best = math.Max(best, sim)
		}
	}
	return best, found
}

// Similarity is the weighted similarity of two listings in [0,1]. Mileage
// and image components are skipped when either side lacks them, and the
// remaining weights are renormalized.
func (d *Deduplicator) Similarity(a, b listing.Listing) float64 {
	w := d.cfg.Weights

	sum := w.Title * titleSimilarity(a.Title, b.Title)
	weight := w.Title

	priceWindow := 2 * d.cfg.PriceBandPct / 100
	sum += w.Price * clamp01(1-relativeDelta(a.Price, b.Price)/priceWindow)
	weight += w.Price

	if a.Mileage > 0 && b.Mileage > 0 {
		delta := math.Abs(float64(a.Mileage - b.Mileage))
		sum += w.Mileage * clamp01(1-delta/float64(2*d.cfg.MileageBandKm))
		weight += w.Mileage
	}

	if sim, ok := imageSimilarity(a.ImageChecks, b.ImageChecks); ok {
		sum += w.Image * sim
		weight += w.Image
	}

	if weight == 0 {
		return 0
	}
	return sum / weight
}
