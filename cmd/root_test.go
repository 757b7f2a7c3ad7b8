package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-events-crawler/internal/config"
	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

type fakeApp struct {
	summary crawler.Summary
	req     crawler.RunRequest
	runErr  error
	served  bool
	closed  int
}

func (f *fakeApp) Run(context.Context) error {
	f.served = true
	return f.runErr
}

func (f *fakeApp) Scrape(_ context.Context, req crawler.RunRequest) (crawler.Summary, error) {
	f.req = req
	return f.summary, nil
}

func (f *fakeApp) Close() { f.closed++ }

// useFakeApp swaps the factory; tests using it must not run in parallel.
func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
}

func TestScrapeCommandPrintsSummary(t *testing.T) {
	app := &fakeApp{summary: crawler.Summary{Success: true, Count: 2, Message: "1 of 1 sources succeeded"}}
	useFakeApp(t, app)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"scrape", "--source", "apolo", "--source", "razz", "--force", "--max-pages", "2"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.Equal(t, crawler.RunRequest{Force: true, MaxPages: 2, Sources: []string{"apolo", "razz"}}, app.req)
	require.Equal(t, 1, app.closed)
	var summary crawler.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	require.Equal(t, 2, summary.Count)
}

func TestScrapeCommandFailsWhenRunFails(t *testing.T) {
	app := &fakeApp{summary: crawler.Summary{Success: false, Error: "apolo: all 1 pages failed"}}
	useFakeApp(t, app)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"scrape"})
	err := root.ExecuteContext(context.Background())

	require.ErrorIs(t, err, errRunFailed)
	require.Contains(t, out.String(), "all 1 pages failed")
	require.Equal(t, 1, app.closed)
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, app.served)
	require.Equal(t, 1, app.closed)
}

func TestServeCommandClosesAppWhenServerFails(t *testing.T) {
	app := &fakeApp{runErr: errors.New("listen tcp :8080: address already in use")}
	useFakeApp(t, app)

	root := newRootCmd()
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "address already in use")
	require.Equal(t, 1, app.closed)
}

func TestBadConfigPathFails(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	root := newRootCmd()
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"scrape", "--config", "/nonexistent/events.yaml"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "load config")
}
