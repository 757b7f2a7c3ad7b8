package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// VisibleText returns the readable text of a page with scripts, styles and
// navigation chrome removed, one block per line.
func VisibleText(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", &crawler.ParseError{Err: err}
	}
	doc.Find("script, style, noscript, svg, iframe, nav, footer, form").Remove()

	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, time, a, span, div").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 && goquery.NodeName(s) == "div" {
			return
		}
		if line := crawler.CleanText(s.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return crawler.CleanText(doc.Text()), nil
	}
	return strings.Join(dedupeAdjacent(lines), "\n"), nil
}

func dedupeAdjacent(lines []string) []string {
	out := lines[:0]
	for i, line := range lines {
		if i > 0 && line == lines[i-1] {
			continue
		}
		out = append(out, line)
	}
	return out
}
