// Package main hosts the event scraper entrypoint.
//
// Architecture overview:
//   - Sources: each configured site expands into listing URLs (fixed pages,
//     {page} templates or {from}/{to} weekly windows). Pages are fetched one
//     at a time with a randomized politeness delay between them.
//   - Fetch: a fresh Colly collector per attempt with a rotated user agent,
//     optional proxy rotation, browser-like headers and retry with backoff.
//     Per-host throttling is shared across jobs. Sources may render with
//     headless Chrome, or fall back to it when a static page yields nothing.
//   - Extract: ordered CSS selector sets, then JSON-LD, or an OpenRouter model
//     for sources configured with extractor: ai.
//   - Normalize: Spanish and English date text becomes an instant in the
//     configured timezone; events without a name or date are counted invalid.
//   - Persist: one upsert pass per source keyed by name, date and source
//     (Postgres or memory). force clears the source first.
//   - Report: each run is recorded, one completion message per source is
//     published to Pub/Sub, and the JSON summary is returned.
//
// Usage:
//   - eventscraper serve --config config.yaml
//   - eventscraper scrape --config config.yaml --source apolo --force --max-pages 3
package main
