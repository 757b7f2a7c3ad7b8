package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

func TestRunStoreSaveAndGet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	started := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	run := crawler.RunRecord{
		ID:        "run-1",
		Status:    crawler.RunStatusRunning,
		Request:   crawler.RunRequest{Force: true, Sources: []string{"apolo"}},
		StartedAt: started,
	}

	mock.ExpectExec("INSERT INTO scrape_runs").
		WithArgs("run-1", "running", []byte(`{"force":true,"maxPages":0,"sources":["apolo"]}`), pgxmock.AnyArg(), started, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveRun(context.Background(), run))

	mock.ExpectQuery("SELECT .* FROM scrape_runs WHERE id").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "request", "summary", "started_at", "finished_at"}).
			AddRow("run-1", "succeeded",
				[]byte(`{"force":true,"sources":["apolo"]}`),
				[]byte(`{"success":true,"count":4,"message":"ok"}`),
				started, &finished))

	got, ok, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.RunStatusSucceeded, got.Status)
	require.True(t, got.Request.Force)
	require.NotNil(t, got.Summary)
	require.Equal(t, 4, got.Summary.Count)
	require.Equal(t, finished, got.FinishedAt)

	mock.ExpectQuery("SELECT .* FROM scrape_runs WHERE id").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "request", "summary", "started_at", "finished_at"}))
	_, ok, err = store.GetRun(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListAndValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRunStore(mock, "runs")
	require.NoError(t, err)

	mock.ExpectQuery("ORDER BY started_at DESC LIMIT").WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "request", "summary", "started_at", "finished_at"}).
			AddRow("run-2", "running", []byte(`{}`), []byte(nil), time.Now(), (*time.Time)(nil)))
	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Nil(t, runs[0].Summary)
	require.True(t, runs[0].FinishedAt.IsZero())

	require.Error(t, store.SaveRun(context.Background(), crawler.RunRecord{}))
	_, err = NewRunStore(mock, "bad name")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
