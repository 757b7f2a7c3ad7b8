// Package detector decides when a statically fetched listing page should be
// re-rendered in a headless browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// Heuristic promotes pages that look client-rendered.
type Heuristic struct {
	BodyLengthThreshold int
	// Markers are extra byte patterns that signal a client-rendered agenda.
	Markers [][]byte
}

// NewHeuristic creates a new detector. Extra markers are matched case-insensitively.
func NewHeuristic(threshold int, markers ...string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			h.Markers = append(h.Markers, bytes.ToLower([]byte(m)))
		}
	}
	return h
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("__nuxt"),
}

// ShouldPromote reports whether a successful static page with zero extracted
// candidates is likely to render its events client-side.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse, candidates int) bool {
	if resp.StatusCode != 200 || candidates > 0 || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	for _, marker := range h.Markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of the page.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if closeRel := strings.Index(lower[start:], closeTag); closeRel != -1 {
			end = start + closeRel + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}
