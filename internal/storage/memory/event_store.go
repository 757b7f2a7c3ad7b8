// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// EventStore keeps events in a map keyed by their natural key.
type EventStore struct {
	mu     sync.RWMutex
	events map[string]crawler.Event
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]crawler.Event)}
}

// Upsert inserts the event or replaces the stored record with the same key.
func (s *EventStore) Upsert(_ context.Context, event crawler.Event) (crawler.UpsertOutcome, error) {
	key := event.Key()
	event.Name = key.Name
	event.Date = key.Date
	event = cloneEvent(event)

	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	_, exists := s.events[id]
	s.events[id] = event
	if exists {
		return crawler.OutcomeUpdated, nil
	}
	return crawler.OutcomeInserted, nil
}

// Find returns a copy of the event stored under key.
func (s *EventStore) Find(_ context.Context, key crawler.EventKey) (crawler.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[key.String()]
	if !ok {
		return crawler.Event{}, false, nil
	}
	return cloneEvent(event), true, nil
}

// DeleteBySource removes every event from source.
func (s *EventStore) DeleteBySource(_ context.Context, source string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, event := range s.events {
		if event.Source == source {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// ListEvents returns copies ordered by date then name.
func (s *EventStore) ListEvents(_ context.Context, filter crawler.EventFilter) ([]crawler.Event, error) {
	s.mu.RLock()
	out := make([]crawler.Event, 0, len(s.events))
	for _, event := range s.events {
		if filter.Source != "" && event.Source != filter.Source {
			continue
		}
		if !filter.From.IsZero() && event.Date.Before(filter.From) {
			continue
		}
		out = append(out, cloneEvent(event))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Name < out[j].Name
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len reports how many events are stored.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func cloneEvent(e crawler.Event) crawler.Event {
	e.MusicStyle = slices.Clone(e.MusicStyle)
	e.Lineup = slices.Clone(e.Lineup)
	return e
}
