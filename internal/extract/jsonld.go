package extract

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/normalize"
)

// jsonLDStrategy reads schema.org Event objects from application/ld+json scripts.
type jsonLDStrategy struct{}

func (jsonLDStrategy) Name() string {
	return "json-ld"
}

func (jsonLDStrategy) Extract(doc *goquery.Document, base *url.URL) Result {
	var res Result
	doc.Find("script[type='application/ld+json']").Each(func(_ int, script *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(strings.TrimSpace(script.Text())), &payload); err != nil {
			return
		}
		for _, obj := range collectEvents(payload) {
			res.Candidates++
			partial := normalize.FromFields(flattenJSONLD(obj))
			partial.TicketLink = crawler.ResolveURL(base, partial.TicketLink)
			if partial.Title == "" || partial.DateText == "" {
				res.Discarded++
				continue
			}
			res.Events = append(res.Events, partial)
		}
	})
	return res
}

// collectEvents walks arrays, @graph containers and ItemList entries.
func collectEvents(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = append(out, collectEvents(item)...)
		}
	case map[string]any:
		if isEventType(t["@type"]) {
			return append(out, t)
		}
		for _, key := range []string{"@graph", "itemListElement", "item", "subEvent"} {
			if nested, ok := t[key]; ok {
				out = append(out, collectEvents(nested)...)
			}
		}
	}
	return out
}

func isEventType(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.HasSuffix(t, "Event")
	case []any:
		for _, item := range t {
			if isEventType(item) {
				return true
			}
		}
	}
	return false
}

// flattenJSONLD renames schema.org properties to the aliases normalize.FromFields knows.
func flattenJSONLD(obj map[string]any) map[string]any {
	fields := map[string]any{
		"name":        obj["name"],
		"date":        obj["startDate"],
		"location":    obj["location"],
		"description": obj["description"],
		"performers":  obj["performer"],
		"genre":       obj["genre"],
		"url":         obj["url"],
	}
	offers := obj["offers"]
	if list, ok := offers.([]any); ok && len(list) > 0 {
		offers = list[0]
	}
	if offer, ok := offers.(map[string]any); ok {
		if link, ok := offer["url"]; ok {
			fields["ticket_link"] = link
		}
		price := offer["price"]
		if price == nil {
			price = offer["lowPrice"]
		}
		if price != nil {
			if currency, ok := offer["priceCurrency"].(string); ok && currency != "" {
				fields["price"] = strings.TrimSpace(normalizeScalar(price) + " " + currency)
			} else {
				fields["price"] = price
			}
		}
	}
	return fields
}

func normalizeScalar(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
