// Package normalize assembles raw extracted fields into canonical events.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

var (
	// ErrMissingName rejects events without a title.
	ErrMissingName = errors.New("event has no name")
	// ErrUnparsableDate rejects events whose date text could not be parsed under DatePolicyDrop.
	ErrUnparsableDate = errors.New("event date unparsable")
	// ErrMissingSource rejects events built without a source identifier.
	ErrMissingSource = errors.New("event has no source")
)

// DateParser converts free-form date text to an instant.
type DateParser interface {
	Normalize(text string, referenceNow time.Time) (time.Time, error)
}

// Aliases lists accepted field names per canonical field, most specific first.
var (
	titleKeys       = []string{"title", "name", "event"}
	venueKeys       = []string{"venue", "club", "location", "place"}
	ticketKeys      = []string{"ticket_link", "tickets", "link", "url"}
	priceKeys       = []string{"price_range", "price", "cost"}
	styleKeys       = []string{"music_style", "genres", "genre", "style"}
	lineupKeys      = []string{"lineup", "artists", "performers"}
	descriptionKeys = []string{"description", "summary"}
	dateKeys        = []string{"date", "datetime", "start_date", "when"}
)

var listSeparators = strings.NewReplacer("|", ",", "/", ",", "·", ",", ";", ",", "\n", ",")

// Normalizer turns PartialEvents into Events.
type Normalizer struct {
	dates DateParser
}

// New returns a Normalizer that parses dates with parser.
func New(parser DateParser) *Normalizer {
	return &Normalizer{dates: parser}
}

// Normalize validates partial and builds an Event tagged with source.
// Under DatePolicyFallback an unparsable date becomes now + FallbackDateOffset.
func (n *Normalizer) Normalize(partial crawler.PartialEvent, source string, now time.Time, policy crawler.DatePolicy) (crawler.Event, error) {
	name := crawler.CleanText(partial.Title)
	if name == "" {
		return crawler.Event{}, ErrMissingName
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return crawler.Event{}, ErrMissingSource
	}

	date, err := n.dates.Normalize(partial.DateText, now)
	if err != nil {
		if policy != crawler.DatePolicyFallback {
			return crawler.Event{}, fmt.Errorf("%w: %w", ErrUnparsableDate, err)
		}
		date = now.Add(crawler.FallbackDateOffset).UTC().Truncate(time.Second)
	}

	return crawler.Event{
		Name:        name,
		Date:        date,
		Club:        crawler.CleanText(partial.Venue),
		TicketLink:  strings.TrimSpace(partial.TicketLink),
		PriceRange:  crawler.CleanText(partial.Price),
		MusicStyle:  cleanList(partial.MusicStyles),
		Lineup:      cleanList(partial.Lineup),
		Description: strings.TrimSpace(partial.Description),
		Source:      source,
	}, nil
}

// FromFields maps a loosely keyed record (AI output, JSON-LD) onto a PartialEvent.
// Keys are matched case-insensitively; the first alias present wins.
func FromFields(fields map[string]any) crawler.PartialEvent {
	lower := make(map[string]any, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return crawler.PartialEvent{
		Title:       pickString(lower, titleKeys),
		DateText:    pickString(lower, dateKeys),
		Venue:       pickString(lower, venueKeys),
		TicketLink:  pickString(lower, ticketKeys),
		Price:       pickString(lower, priceKeys),
		MusicStyles: pickList(lower, styleKeys),
		Lineup:      pickList(lower, lineupKeys),
		Description: pickString(lower, descriptionKeys),
	}
}

// SplitList splits separated free text into an ordered list without blanks.
func SplitList(text string) []string {
	parts := strings.Split(listSeparators.Replace(text), ",")
	return cleanList(parts)
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		if v := crawler.CleanText(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func pickString(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringValue(fields[k]); s != "" {
			return s
		}
	}
	return ""
}

func pickList(fields map[string]any, keys []string) []string {
	for _, k := range keys {
		if l := listValue(fields[k]); len(l) > 0 {
			return l
		}
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case []any:
		return strings.Join(listValue(t), ", ")
	case map[string]any:
		// JSON-LD nests names, e.g. location: {"@type": "Place", "name": "..."}.
		return pickString(t, []string{"name", "url", "@id"})
	case float64, int, int64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func listValue(v any) []string {
	switch t := v.(type) {
	case string:
		return SplitList(t)
	case []string:
		return cleanList(t)
	case []any:
		var out []string
		for _, item := range t {
			if s := crawler.CleanText(stringValue(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		if s := stringValue(t); s != "" {
			return []string{s}
		}
	}
	return nil
}
