// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Event is the canonical record produced by a scraping job.
type Event struct {
	Name        string    `json:"name"`
	Date        time.Time `json:"date"`
	Club        string    `json:"club,omitempty"`
	TicketLink  string    `json:"ticket_link,omitempty"`
	PriceRange  string    `json:"price_range,omitempty"`
	MusicStyle  []string  `json:"music_style,omitempty"`
	Lineup      []string  `json:"lineup,omitempty"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
}

// Key returns the natural key used for upsert conflict resolution.
func (e Event) Key() EventKey {
	return EventKey{
		Name:   strings.TrimSpace(e.Name),
		Date:   e.Date.UTC().Truncate(time.Second),
		Source: e.Source,
	}
}

// EventKey identifies an event across scraping runs.
type EventKey struct {
	Name   string
	Date   time.Time
	Source string
}

// String renders the key for logs and in-memory indexes.
func (k EventKey) String() string {
	return k.Source + "|" + k.Date.UTC().Format(time.RFC3339) + "|" + k.Name
}

// PartialEvent holds raw field text pulled out of markup or an AI response,
// before date parsing and validation.
type PartialEvent struct {
	Title       string
	DateText    string
	Venue       string
	TicketLink  string
	Price       string
	MusicStyles []string
	Lineup      []string
	Description string
}

// DatePolicy decides what happens to an event whose date text cannot be parsed.
type DatePolicy string

// Date policies configurable per source.
const (
	// DatePolicyDrop discards the event.
	DatePolicyDrop DatePolicy = "drop"
	// DatePolicyFallback dates the event one week after the run started.
	DatePolicyFallback DatePolicy = "fallback"
)

// FallbackDateOffset is added to the reference time under DatePolicyFallback.
const FallbackDateOffset = 7 * 24 * time.Hour

// JobState tracks where a source job is in its pipeline.
type JobState string

// Job states logged as a job progresses.
const (
	JobStatePending     JobState = "pending"
	JobStateFetching    JobState = "fetching"
	JobStateExtracting  JobState = "extracting"
	JobStateNormalizing JobState = "normalizing"
	JobStatePersisting  JobState = "persisting"
	JobStateDone        JobState = "done"
	JobStateFailed      JobState = "failed"
)

// JobResult summarizes one source job.
type JobResult struct {
	RunID        string    `json:"run_id,omitempty"`
	Source       string    `json:"source"`
	Success      bool      `json:"success"`
	Inserted     int       `json:"inserted"`
	Updated      int       `json:"updated"`
	Skipped      int       `json:"skipped"`
	Invalid      int       `json:"invalid"`
	Failed       int       `json:"failed"`
	PagesFetched int       `json:"pages_fetched"`
	PagesFailed  int       `json:"pages_failed"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
}

// Stored returns how many events were written by the job.
func (r JobResult) Stored() int {
	return r.Inserted + r.Updated
}

// Attributes labels the completion message published for the job.
func (r JobResult) Attributes() map[string]string {
	return map[string]string{
		"source":  r.Source,
		"run_id":  r.RunID,
		"success": strconv.FormatBool(r.Success),
	}
}

// RunRequest selects which sources to run and how.
type RunRequest struct {
	Force    bool     `json:"force"`
	MaxPages int      `json:"maxPages"`
	Sources  []string `json:"sources"`
}

// Summary aggregates the results of a multi-source run.
type Summary struct {
	Success bool        `json:"success"`
	Count   int         `json:"count"`
	Message string      `json:"message"`
	Results []JobResult `json:"results,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// UpsertOutcome reports what a store did with one event.
type UpsertOutcome string

// Outcomes returned by EventStore.Upsert.
const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeUpdated  UpsertOutcome = "updated"
)

// UpsertResult counts the outcome of a persistence pass.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Deleted  int `json:"deleted"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Source string
	From   time.Time
	Limit  int
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	Source  string
	URL     string
	Headers http.Header
	Proxy   bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Attempts     int
	UsedHeadless bool
}

// RunStatus is the lifecycle state of a multi-source run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord tracks a run so asynchronous callers can poll for its summary.
type RunRecord struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	Request    RunRequest `json:"request"`
	Summary    *Summary   `json:"summary,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}
