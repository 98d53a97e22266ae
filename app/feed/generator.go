package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/lysyi3m/auto-comb/app/listing"
)

// Generator renders logical listings for a city as an RSS 2.0 channel.
type Generator struct {
	baseURL string
	version string
	now     func() time.Time
}

func NewGenerator(baseURL, version string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		now:     time.Now,
	}
}

func (g *Generator) Run(city string, listings []listing.LogicalListing) (string, error) {
	if strings.TrimSpace(city) == "" {
		return "", fmt.Errorf("city is required")
	}

	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", fmt.Sprintf("Used cars in %s", city), 4)
	g.writeElement(&buf, "link", g.listingsURL(city), 4)
	g.writeElement(&buf, "description", fmt.Sprintf("Deduplicated, trust-scored listings for %s", city), 4)

	selfLink := fmt.Sprintf("%s/feeds/%s", g.baseURL, url.PathEscape(city))
	buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
		html.EscapeString(selfLink)))

	var lastBuildDate time.Time
	for _, ll := range listings {
		if t := newestFetch(ll); t.After(lastBuildDate) {
			lastBuildDate = t
		}
	}
	if lastBuildDate.IsZero() {
		lastBuildDate = g.now().In(time.Local)
	}
	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("Auto-Comb/%s", g.version), 4)

	for _, ll := range listings {
		g.writeItem(&buf, city, ll)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, city string, ll listing.LogicalListing) {
	c := ll.Canonical

	buf.WriteString("    <item>\n")

	buf.WriteString("      <guid isPermaLink=\"false\">")
	xml.EscapeText(buf, []byte(ll.Scope+"/"+ll.ID))
	buf.WriteString("</guid>\n")

	g.writeElement(buf, "title", itemTitle(c), 6)
	g.writeElement(buf, "link", fmt.Sprintf("%s/listings/%s/%s", g.baseURL, url.PathEscape(city), url.PathEscape(ll.ID)), 6)
	g.writeElement(buf, "description", itemDescription(ll), 6)

	published := c.ListingDate
	if published.IsZero() {
		published = newestFetch(ll)
	}
	if !published.IsZero() {
		g.writeElement(buf, "pubDate", published.Format(time.RFC1123Z), 6)
	}

	for _, category := range []string{c.Brand, string(c.FuelType), string(c.Transmission)} {
		if category != "" {
			g.writeElement(buf, "category", category, 6)
		}
	}

	// RSS 2.0 requires url, length and type on enclosures; length is unknown.
	if len(c.Images) > 0 {
		buf.WriteString(fmt.Sprintf("      <enclosure url=\"%s\" length=\"0\" type=\"%s\" />\n",
			html.EscapeString(c.Images[0]),
			imageType(c.Images[0])))
	}

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func (g *Generator) listingsURL(city string) string {
	return fmt.Sprintf("%s/listings?city=%s&publishable=true", g.baseURL, url.QueryEscape(city))
}

func itemTitle(c listing.Listing) string {
	if c.Title != "" {
		return c.Title
	}
	parts := make([]string, 0, 3)
	if c.Year > 0 {
		parts = append(parts, fmt.Sprint(c.Year))
	}
	for _, p := range []string{c.Brand, c.Model} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func itemDescription(ll listing.LogicalListing) string {
	c := ll.Canonical
	var parts []string
	if c.Price > 0 {
		parts = append(parts, fmt.Sprintf("Price: Rs %.0f", c.PriceRupees()))
	}
	if c.Mileage > 0 {
		parts = append(parts, fmt.Sprintf("Mileage: %d km", c.Mileage))
	}
	if c.Year > 0 {
		parts = append(parts, fmt.Sprintf("Year: %d", c.Year))
	}
	parts = append(parts, fmt.Sprintf("Trust: %.1f", ll.Trust.Overall))
	parts = append(parts, "Sources: "+strings.Join(ll.Sources(), ", "))
	return strings.Join(parts, " | ")
}

func imageType(u string) string {
	switch strings.ToLower(pathExt(u)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func pathExt(u string) string {
	if parsed, err := url.Parse(u); err == nil {
		u = parsed.Path
	}
	if i := strings.LastIndexByte(u, '.'); i >= 0 && !strings.Contains(u[i:], "/") {
		return u[i:]
	}
	return ""
}

func newestFetch(ll listing.LogicalListing) time.Time {
	var newest time.Time
	for _, t := range ll.PerSourceFetchedAt {
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}
