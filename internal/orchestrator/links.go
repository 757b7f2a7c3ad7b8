package orchestrator

import (
	"net/url"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// resolveAgainst makes an AI-returned link absolute; unusable links are dropped.
func resolveAgainst(pageURL, href string) string {
	if href == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	return crawler.ResolveURL(base, href)
}
