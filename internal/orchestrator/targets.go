package orchestrator

import (
	"strconv"
	"strings"
	"time"
)

const windowLength = 7 * 24 * time.Hour

// Plan lists the pages a source job visits.
type Plan struct {
	// Pages is a fixed list of listing URLs.
	Pages []string
	// PageTemplate contains {page}; pages FirstPage.. are generated.
	PageTemplate string
	FirstPage    int
	MaxPages     int
	// WindowTemplate contains {from} and {to}; weekly windows cover WindowMonths.
	WindowTemplate string
	WindowMonths   int
	WindowLayout   string
}

// Targets expands the plan into URLs. A positive maxPages overrides the
// plan's own page count and caps the total.
func (p Plan) Targets(now time.Time, maxPages int) []string {
	var out []string
	out = append(out, p.Pages...)

	if p.PageTemplate != "" {
		count := p.MaxPages
		if maxPages > 0 {
			count = maxPages
		}
		if count <= 0 {
			count = 1
		}
		first := p.FirstPage
		if first <= 0 {
			first = 1
		}
		for i := 0; i < count; i++ {
			out = append(out, strings.ReplaceAll(p.PageTemplate, "{page}", strconv.Itoa(first+i)))
		}
	}

	if p.WindowTemplate != "" {
		layout := p.WindowLayout
		if layout == "" {
			layout = time.DateOnly
		}
		months := p.WindowMonths
		if months <= 0 {
			months = 6
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end := start.AddDate(0, months, 0)
		for from := start; from.Before(end); from = from.Add(windowLength) {
			to := from.Add(windowLength - 24*time.Hour)
			if to.After(end) {
				to = end
			}
			u := strings.ReplaceAll(p.WindowTemplate, "{from}", from.Format(layout))
			out = append(out, strings.ReplaceAll(u, "{to}", to.Format(layout)))
		}
	}

	if maxPages > 0 && len(out) > maxPages {
		out = out[:maxPages]
	}
	return out
}
