package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/lysyi3m/auto-comb/app/listing"
)

// Mock serves fixed records from its source config. It is used for local
// runs and demos without network access.
type Mock struct {
	name     string
	fixtures []map[string]string
	now      func() time.Time
}

func NewMock(name string, fixtures []map[string]string, opts Options) *Mock {
	return &Mock{name: name, fixtures: fixtures, now: opts.clock()}
}

func (a *Mock) Name() string {
	return a.name
}

func (a *Mock) Fetch(ctx context.Context, city, cursor string) ([]listing.RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetchedAt := a.now()
	var out []listing.RawListing
	for _, fx := range a.fixtures {
		if c := fx["city"]; c != "" && !strings.EqualFold(c, city) {
			continue
		}
		fields := make(map[string]string, len(fx))
		for k, v := range fx {
			fields[k] = v
		}
		out = append(out, listing.RawListing{
			Source:     a.name,
			ExternalID: firstField(fields, defaultIDKeys),
			FetchedAt:  fetchedAt,
			Fields:     fields,
		})
	}
	return out, nil
}
