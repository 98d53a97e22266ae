package adapters

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"

	"github.com/lysyi3m/auto-comb/app/listing"
	"github.com/lysyi3m/auto-comb/app/source"
)

// RSS reads classifieds published as an RSS or Atom feed. Item text lands
// in the title and description fields, custom and namespaced elements
// (price, mileage, city, ...) become fields under their local name and image
// enclosures become the images field.
type RSS struct {
	httpFetcher
	feedURL string
	parser  *gofeed.Parser
	now     func() time.Time
}

func NewRSS(name, feedURL string, opts Options) *RSS {
	return &RSS{
		httpFetcher: opts.fetcher(name, "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"),
		feedURL:     feedURL,
		parser:      gofeed.NewParser(),
		now:         opts.clock(),
	}
}

func (a *RSS) Name() string {
	return a.name
}

// Fetch substitutes {city} in the feed URL; feeds without the placeholder
// are filtered by their city field downstream.
func (a *RSS) Fetch(ctx context.Context, city, cursor string) ([]listing.RawListing, error) {
	feedURL := strings.ReplaceAll(a.feedURL, "{city}", url.QueryEscape(strings.ToLower(city)))

	data, err := a.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	feed, err := a.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, source.Permanent(a.name, fmt.Errorf("failed to parse feed: %w", err))
	}

	fetchedAt := a.now()
	out := make([]listing.RawListing, 0, len(feed.Items))
	for _, item := range feed.Items {
		fields := itemFields(item)
		if c := fields["city"]; c != "" && !strings.EqualFold(c, city) {
			continue
		}
		out = append(out, listing.RawListing{
			Source:     a.name,
			ExternalID: cmp.Or(item.GUID, item.Link),
			FetchedAt:  fetchedAt,
			Fields:     fields,
		})
	}
	return out, nil
}

func itemFields(item *gofeed.Item) map[string]string {
	fields := make(map[string]string)

	for _, ns := range item.Extensions {
		for name, exts := range ns {
			if len(exts) > 0 && strings.TrimSpace(exts[0].Value) != "" {
				fields[name] = strings.TrimSpace(exts[0].Value)
			}
		}
	}
	for k, v := range item.Custom {
		if strings.TrimSpace(v) != "" {
			fields[k] = strings.TrimSpace(v)
		}
	}

	fields["title"] = strings.TrimSpace(item.Title)
	if item.Link != "" {
		fields["link"] = item.Link
	}
	if text := extractText(cmp.Or(item.Content, item.Description)); text != "" {
		fields["description"] = text
	}
	if item.PublishedParsed != nil {
		fields["listing_date"] = item.PublishedParsed.UTC().Format(time.RFC3339)
	}

	var images []string
	if item.Image != nil && item.Image.URL != "" {
		images = append(images, item.Image.URL)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && (enc.Type == "" || strings.HasPrefix(enc.Type, "image/")) {
			images = append(images, enc.URL)
		}
	}
	if len(images) > 0 && fields["images"] == "" {
		fields["images"] = strings.Join(images, ",")
	}

	return fields
}

// extractText reduces an HTML description to its readable text.
func extractText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s
	}

	article, err := readability.FromReader(strings.NewReader("<html><body><article>"+s+"</article></body></html>"), nil)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		slog.Debug("Readable text extraction failed, using raw description", "error", err)
		return stripTags(s)
	}
	return strings.Join(strings.Fields(article.TextContent), " ")
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
