package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// RunStore keeps run records in memory, evicting the oldest beyond a cap.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.RunRecord
	max  int
}

// NewRunStore constructs a RunStore keeping at most max runs (0 means 100).
func NewRunStore(max int) *RunStore {
	if max <= 0 {
		max = 100
	}
	return &RunStore{runs: make(map[string]crawler.RunRecord), max: max}
}

// SaveRun inserts or replaces a run.
func (s *RunStore) SaveRun(_ context.Context, run crawler.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	for len(s.runs) > s.max {
		oldest := ""
		for id, r := range s.runs {
			if oldest == "" || r.StartedAt.Before(s.runs[oldest].StartedAt) {
				oldest = id
			}
		}
		delete(s.runs, oldest)
	}
	return nil
}

// GetRun returns a run by id.
func (s *RunStore) GetRun(_ context.Context, id string) (crawler.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return crawler.RunRecord{}, false, nil
	}
	return cloneRun(run), true, nil
}

// ListRuns returns the most recent runs first.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]crawler.RunRecord, error) {
	s.mu.RLock()
	out := make([]crawler.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run crawler.RunRecord) crawler.RunRecord {
	if run.Summary != nil {
		summary := *run.Summary
		summary.Results = append([]crawler.JobResult(nil), run.Summary.Results...)
		run.Summary = &summary
	}
	run.Request.Sources = append([]string(nil), run.Request.Sources...)
	return run
}
