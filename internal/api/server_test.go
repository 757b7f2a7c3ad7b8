package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/config"
	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/orchestrator"
	memstore "github.com/JakeFAU/realtime-events-crawler/internal/storage/memory"
)

const knownRunID = "0192f3c4-5b6a-7c8d-9e0f-1a2b3c4d5e6f"

func TestServer_Scrape_ReturnsSummary(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.Summary{
		Success: true,
		Count:   3,
		Message: "1 of 1 sources succeeded: 3 inserted, 0 updated, 0 invalid",
		Results: []crawler.JobResult{{Source: "apolo", Success: true, Inserted: 3}},
	}}
	server := newTestServer(runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape",
		bytes.NewBufferString(`{"force":true,"maxPages":2,"sources":["apolo"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body crawler.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, 3, body.Count)
	require.Len(t, body.Results, 1)
	require.Equal(t, crawler.RunRequest{Force: true, MaxPages: 2, Sources: []string{"apolo"}}, runner.lastRequest())
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Scrape_EmptyBodyRunsEverything(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.Summary{Success: true}}
	server := newTestServer(runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, runner.lastRequest().Sources)
}

func TestServer_Scrape_BadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		err  error
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "negative max pages", body: `{"maxPages":-1}`, want: "maxPages"},
		{name: "unknown source", body: `{"sources":["nope"]}`, err: fmt.Errorf("%w: %q", orchestrator.ErrUnknownSource, "nope"), want: "unknown source"},
		{name: "no sources", body: `{}`, err: orchestrator.ErrNoSources, want: "no sources"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(&fakeRunner{err: tc.err}, nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.False(t, body.Success)
			require.Contains(t, body.Error, tc.want)
		})
	}
}

func TestServer_Scrape_AllSourcesFailed(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.Summary{
		Success: false,
		Message: "0 of 1 sources succeeded: 0 inserted, 0 updated, 0 invalid",
		Error:   "apolo: all 2 pages failed",
	}}
	server := newTestServer(runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, "apolo: all 2 pages failed", body.Error)
}

func TestServer_Scrape_RunnerErrorIsStructured(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{err: errors.New("record run: db down")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"success":false,"error":"record run: db down"}`, rec.Body.String())
}

func TestServer_Scrape_Async(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{record: crawler.RunRecord{ID: knownRunID, Status: crawler.RunStatusRunning}}
	server := newTestServer(runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(`{"async":true,"sources":["apolo"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), knownRunID)
	require.Equal(t, 1, runner.started)
}

func TestServer_PreflightAnsweredBeforeAuth(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	cfg.Server.CORSOrigin = "https://agenda.example"
	server := NewServer(&fakeRunner{}, nil, nil, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodOptions, "/v1/scrape", nil)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
	require.Equal(t, "https://agenda.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(&fakeRunner{}, nil, nil, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Runs(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{runs: map[string]crawler.RunRecord{
		knownRunID: {ID: knownRunID, Status: crawler.RunStatusSucceeded},
	}}
	server := newTestServer(runner, nil)

	cases := []struct {
		path string
		code int
		want string
	}{
		{path: "/v1/runs/" + knownRunID, code: http.StatusOK, want: "succeeded"},
		{path: "/v1/runs/0192f3c4-5b6a-7c8d-9e0f-000000000000", code: http.StatusNotFound, want: "run not found"},
		{path: "/v1/runs/not-a-uuid", code: http.StatusBadRequest, want: "invalid run_id"},
		{path: "/v1/runs?limit=5", code: http.StatusOK, want: knownRunID},
		{path: "/v1/runs?limit=zero", code: http.StatusBadRequest, want: "invalid limit"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, tc.code, rec.Code, tc.path)
		require.Contains(t, rec.Body.String(), tc.want, tc.path)
	}
	require.Equal(t, 5, runner.listLimit)
}

func TestServer_ListEvents(t *testing.T) {
	t.Parallel()

	store := memstore.NewEventStore()
	base := time.Date(2026, 11, 1, 21, 0, 0, 0, time.UTC)
	for _, ev := range []crawler.Event{
		{Name: "Late", Date: base.Add(48 * time.Hour), Source: "apolo"},
		{Name: "Early", Date: base, Source: "apolo"},
		{Name: "Other", Date: base, Source: "razz"},
	} {
		_, err := store.Upsert(context.Background(), ev)
		require.NoError(t, err)
	}
	server := newTestServer(&fakeRunner{}, store)

	req := httptest.NewRequest(http.MethodGet, "/v1/events?source=apolo&from=2026-10-01", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool            `json:"success"`
		Count   int             `json:"count"`
		Events  []crawler.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, 2, body.Count)
	require.Equal(t, "Early", body.Events[0].Name)
	require.Equal(t, "Late", body.Events[1].Name)

	req = httptest.NewRequest(http.MethodGet, "/v1/events?from=yesterday", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Readiness(t *testing.T) {
	t.Parallel()

	var fail bool
	ready := func(context.Context) error {
		if fail {
			return errors.New("db down")
		}
		return nil
	}
	server := NewServer(&fakeRunner{}, nil, ready, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	fail = true
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsAndSources(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{sources: []string{"apolo", "razz"}}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sources":["apolo","razz"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{panics: true}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrape", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeRunner struct {
	mu        sync.Mutex
	summary   crawler.Summary
	record    crawler.RunRecord
	runs      map[string]crawler.RunRecord
	sources   []string
	err       error
	panics    bool
	requests  []crawler.RunRequest
	started   int
	listLimit int
}

func (f *fakeRunner) Run(_ context.Context, req crawler.RunRequest) (crawler.Summary, error) {
	if f.panics {
		panic("selector exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.summary, f.err
}

func (f *fakeRunner) Start(_ context.Context, req crawler.RunRequest) (crawler.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.started++
	return f.record, f.err
}

func (f *fakeRunner) Get(_ context.Context, id string) (crawler.RunRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	return run, ok, nil
}

func (f *fakeRunner) List(_ context.Context, limit int) ([]crawler.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listLimit = limit
	out := make([]crawler.RunRecord, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeRunner) Sources() []string {
	return f.sources
}

func (f *fakeRunner) lastRequest() crawler.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return crawler.RunRequest{}
	}
	return f.requests[len(f.requests)-1]
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Port:                  8080,
			RequestTimeoutSeconds: 30,
		},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(runner Runner, events EventLister) *Server {
	return NewServer(runner, events, nil, testConfig(), zap.NewNop())
}
