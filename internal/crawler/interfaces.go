package crawler

import (
	"context"
	"io"
	"time"
)

// EventStore persists events keyed by (name, date, source).
type EventStore interface {
	Upsert(ctx context.Context, event Event) (UpsertOutcome, error)
	Find(ctx context.Context, key EventKey) (Event, bool, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// RunStore records run progress and results.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, bool, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// AIExtractor asks a model to pull structured events out of a page.
type AIExtractor interface {
	ExtractEvents(ctx context.Context, pageURL string, text string, prompt string) ([]map[string]any, error)
}

// RetryPolicy decides how many attempts a fetch gets and how long to wait between them.
type RetryPolicy interface {
	MaxAttempts() int
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for snapshot paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Attributer lets published payloads carry message attributes.
type Attributer interface {
	Attributes() map[string]string
}
