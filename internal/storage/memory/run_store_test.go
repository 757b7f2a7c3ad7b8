package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

func TestRunStoreSaveGetList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(0)
	start := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveRun(ctx, crawler.RunRecord{ID: "r1", Status: crawler.RunStatusRunning, StartedAt: start}))
	require.NoError(t, store.SaveRun(ctx, crawler.RunRecord{ID: "r2", Status: crawler.RunStatusRunning, StartedAt: start.Add(time.Minute)}))

	summary := &crawler.Summary{Success: true, Count: 3, Results: []crawler.JobResult{{Source: "apolo"}}}
	require.NoError(t, store.SaveRun(ctx, crawler.RunRecord{ID: "r1", Status: crawler.RunStatusSucceeded, Summary: summary, StartedAt: start}))
	summary.Results[0].Source = "mutated"

	got, ok, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.RunStatusSucceeded, got.Status)
	require.Equal(t, "apolo", got.Summary.Results[0].Source)

	_, ok, err = store.GetRun(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r2", runs[0].ID)

	runs, err = store.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(2)
	start := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRun(ctx, crawler.RunRecord{ID: id, StartedAt: start.Add(time.Duration(i) * time.Minute)}))
	}
	_, ok, _ := store.GetRun(ctx, "a")
	require.False(t, ok)
	_, ok, _ = store.GetRun(ctx, "c")
	require.True(t, ok)
}
