package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/source"
)

var defaultIDKeys = []string{"id", "external_id", "listing_id", "ad_id"}

// HTTPJSON reads a JSON listings endpoint. The endpoint receives city and
// cursor as query parameters and answers with either an array of objects or
// an object holding the array under listings, items, data or results.
type HTTPJSON struct {
	httpFetcher
	endpoint string
	idKeys   []string
	now      func() time.Time
}

func NewHTTPJSON(name, endpoint string, idKeys []string, opts Options) *HTTPJSON {
	if len(idKeys) == 0 {
		idKeys = defaultIDKeys
	}
	return &HTTPJSON{
		httpFetcher: opts.fetcher(name, "application/json"),
		endpoint:    endpoint,
		idKeys:      idKeys,
		now:         opts.clock(),
	}
}

func (a *HTTPJSON) Name() string {
	return a.name
}

func (a *HTTPJSON) Fetch(ctx context.Context, city, cursor string) ([]listing.RawListing, error) {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return nil, source.Permanent(a.name, fmt.Errorf("invalid endpoint: %w", err))
	}
	q := u.Query()
	q.Set("city", city)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	data, err := a.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	records, err := decodeRecords(data)
	if err != nil {
		return nil, source.Permanent(a.name, err)
	}

	fetchedAt := a.now()
	out := make([]listing.RawListing, 0, len(records))
	for _, rec := range records {
		fields := make(map[string]string)
		flatten("", rec, fields)

		out = append(out, listing.RawListing{
			Source:     a.name,
			ExternalID: firstField(fields, a.idKeys),
			FetchedAt:  fetchedAt,
			Fields:     fields,
		})
	}
	return out, nil
}

func decodeRecords(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, key := range []string{"listings", "items", "data", "results"} {
			if arr, ok := v[key].([]any); ok {
				list = arr
				break
			}
		}
		if list == nil {
			return nil, fmt.Errorf("response object has no listings array")
		}
	default:
		return nil, fmt.Errorf("unexpected response type %T", doc)
	}

	records := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// flatten turns nested JSON into dotted string fields. Arrays of scalars
// are joined with commas so image lists survive as one field.
func flatten(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(joinKey(prefix, k), val[k], out)
		}
	case []any:
		var parts []string
		for i, item := range val {
			switch item.(type) {
			case map[string]any, []any:
				flatten(joinKey(prefix, fmt.Sprint(i)), item, out)
			default:
				if s := scalar(item); s != "" {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) > 0 {
			out[prefix] = strings.Join(parts, ",")
		}
	default:
		if s := scalar(val); s != "" && prefix != "" {
			out[prefix] = s
		}
	}
}

func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(val)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func firstField(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}
