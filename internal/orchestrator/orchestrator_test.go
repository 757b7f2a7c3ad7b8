package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/clock/system"
	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/dates"
	"github.com/JakeFAU/realtime-events-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/realtime-events-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-events-crawler/internal/hash/sha256"
	"github.com/JakeFAU/realtime-events-crawler/internal/normalize"
	"github.com/JakeFAU/realtime-events-crawler/internal/persist"
	memstore "github.com/JakeFAU/realtime-events-crawler/internal/storage/memory"
	"github.com/JakeFAU/realtime-events-crawler/internal/telemetry"
)

const agendaPage = `<html><body>
<div class="event-item">
  <h3 class="event-title">Noche Techno</h3>
  <time datetime="2026-11-15T23:00:00Z">15 nov</time>
  <span class="venue">Sala Apolo</span>
  <a class="tickets" href="/tickets/1">Entradas</a>
</div>
<div class="event-item">
  <h3 class="event-title">Jazz Session</h3>
  <span class="event-date">20/11/2026 21:00</span>
</div>
<div class="event-item">
  <h3 class="event-title">Sin Fecha</h3>
</div>
</body></html>`

var runStart = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type harness struct {
	store  *memstore.EventStore
	orch   *Orchestrator
	pauser *countingPauser
}

type countingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *countingPauser) Pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, d)
	p.mu.Unlock()
	return ctx.Err()
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.NewEventStore(),
		pauser: &countingPauser{},
	}
	deps := Deps{
		Normalizer: normalize.New(dates.New(time.UTC, dates.Spanish, dates.English)),
		Persister:  persist.New(h.store, zap.NewNop()),
		Clock:      system.NewFixed(runStart),
		Pauser:     h.pauser,
		Delay:      crawler.DelayPolicy{Min: time.Second, Max: 2 * time.Second},
		Logger:     zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	orch, err := New(deps)
	require.NoError(t, err)
	h.orch = orch
	return h
}

// fakeFetcher serves canned responses per URL.
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]string
	failures  map[string]error
	requested []crawler.FetchRequest
	headless  bool
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, req)
	if err, ok := f.failures[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, Attempts: 3, Status: 404, Err: crawler.ErrAllAttemptsFailed}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body), UsedHeadless: f.headless}, nil
}

func htmlSource(name string, fetcher crawler.Fetcher, pages ...string) Source {
	return Source{
		Name:       name,
		Plan:       Plan{Pages: pages},
		Fetcher:    fetcher,
		Extractor:  extract.New(zap.NewNop()),
		DatePolicy: crawler.DatePolicyDrop,
	}
}

func TestEndToEndInsertsValidAndCountsInvalid(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, agendaPage)
	}))
	defer srv.Close()

	fetcher, err := collyfetcher.New(collyfetcher.Config{Pauser: crawler.NoPause{}}, crawler.NewExponentialRetryPolicy(), nil, zap.NewNop())
	require.NoError(t, err)

	h := newHarness(t, nil)
	res := h.orch.RunSource(context.Background(), htmlSource("apolo", fetcher, srv.URL+"/agenda"), JobRequest{RunID: "run-1"})

	require.True(t, res.Success, res.Error)
	require.Equal(t, 2, res.Inserted)
	require.Equal(t, 1, res.Invalid)
	require.Equal(t, 1, res.PagesFetched)
	require.Equal(t, "run-1", res.RunID)
	require.Equal(t, 2, h.store.Len())

	stored, err := h.store.ListEvents(context.Background(), crawler.EventFilter{Source: "apolo"})
	require.NoError(t, err)
	require.Equal(t, "Noche Techno", stored[0].Name)
	require.Equal(t, srv.URL+"/tickets/1", stored[0].TicketLink)
	require.Equal(t, time.Date(2026, 11, 20, 21, 0, 0, 0, time.UTC), stored[1].Date)
	require.Equal(t, int32(1), calls.Load())
}

func TestRerunCountsUpdates(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{"https://a/1": agendaPage}}
	h := newHarness(t, nil)
	src := htmlSource("apolo", fetcher, "https://a/1")

	first := h.orch.RunSource(context.Background(), src, JobRequest{})
	second := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.Equal(t, 2, first.Inserted)
	require.Equal(t, 0, second.Inserted)
	require.Equal(t, 2, second.Updated)
	require.Equal(t, 2, h.store.Len())
}

func TestForceWithZeroEventsClearsSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	for _, name := range []string{"Old One", "Old Two"} {
		_, err := h.store.Upsert(ctx, crawler.Event{Name: name, Date: runStart.Add(48 * time.Hour), Source: "x"})
		require.NoError(t, err)
	}
	_, err := h.store.Upsert(ctx, crawler.Event{Name: "Keep", Date: runStart, Source: "y"})
	require.NoError(t, err)

	fetcher := &fakeFetcher{pages: map[string]string{"https://x/agenda": "<html><body><p>No hay eventos</p></body></html>"}}
	res := h.orch.RunSource(ctx, htmlSource("x", fetcher, "https://x/agenda"), JobRequest{Force: true})
	require.True(t, res.Success, res.Error)
	require.Zero(t, res.Inserted)

	remaining, err := h.store.ListEvents(ctx, crawler.EventFilter{Source: "x"})
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Equal(t, 1, h.store.Len())
}

func TestFailedPageIsSkippedAndJobContinues(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		pages:    map[string]string{"https://a/2": agendaPage},
		failures: map[string]error{"https://a/1": &crawler.FetchError{URL: "https://a/1", Attempts: 3, Err: errors.New("connection reset")}},
	}
	h := newHarness(t, nil)
	res := h.orch.RunSource(context.Background(), htmlSource("apolo", fetcher, "https://a/1", "https://a/2"), JobRequest{})

	require.True(t, res.Success)
	require.Equal(t, 1, res.PagesFailed)
	require.Equal(t, 1, res.PagesFetched)
	require.Equal(t, 2, res.Inserted)
	require.Len(t, h.pauser.delays, 1)
	require.GreaterOrEqual(t, h.pauser.delays[0], time.Second)
	require.LessOrEqual(t, h.pauser.delays[0], 2*time.Second)
}

func TestAllPagesFailedReportsFailureWithoutClearing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.store.Upsert(context.Background(), crawler.Event{Name: "Old", Date: runStart, Source: "apolo"})
	require.NoError(t, err)

	res := h.orch.RunSource(context.Background(), htmlSource("apolo", &fakeFetcher{}, "https://a/1", "https://a/2"), JobRequest{Force: true})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "all 2 pages failed")
	require.Equal(t, 2, res.PagesFailed)
	require.Equal(t, 1, h.store.Len())
}

func TestFatalSetupErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	cases := map[string]Source{
		"no targets":  htmlSource("a", &fakeFetcher{}),
		"no fetcher":  htmlSource("b", nil, "https://b"),
		"ai missing":  {Name: "c", Plan: Plan{Pages: []string{"https://c"}}, UseAI: true, Fetcher: &fakeFetcher{}},
		"no headless": {Name: "d", Plan: Plan{Pages: []string{"https://d"}}, Headless: true, Extractor: extract.New(nil)},
	}
	for name, src := range cases {
		res := h.orch.RunSource(context.Background(), src, JobRequest{})
		require.False(t, res.Success, name)
		require.Contains(t, res.Error, "fatal", name)
	}
}

func TestCanceledContextStopsJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, nil)
	fetcher := &fakeFetcher{pages: map[string]string{"https://a/1": agendaPage, "https://a/2": agendaPage}}
	res := h.orch.RunSource(ctx, htmlSource("apolo", fetcher, "https://a/1", "https://a/2"), JobRequest{})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "interrupted")
	require.Zero(t, h.store.Len())
}

func TestFallbackDatePolicy(t *testing.T) {
	t.Parallel()

	page := `<div class="event"><h2>Someday Party</h2><span class="date">pronto</span></div>`
	fetcher := &fakeFetcher{pages: map[string]string{"https://a/1": page}}
	h := newHarness(t, nil)

	src := htmlSource("apolo", fetcher, "https://a/1")
	res := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.Equal(t, 1, res.Invalid)
	require.Zero(t, h.store.Len())

	src.DatePolicy = crawler.DatePolicyFallback
	res = h.orch.RunSource(context.Background(), src, JobRequest{})
	require.Equal(t, 1, res.Inserted)
	stored, err := h.store.ListEvents(context.Background(), crawler.EventFilter{})
	require.NoError(t, err)
	require.Equal(t, runStart.Add(crawler.FallbackDateOffset), stored[0].Date)
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(crawler.FetchResponse, int) bool { return true }

func TestHeadlessFallbackWhenStaticPageIsEmpty(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{pages: map[string]string{"https://spa/agenda": `<div id="root"></div>`}}
	headless := &fakeFetcher{pages: map[string]string{"https://spa/agenda": agendaPage}, headless: true}
	h := newHarness(t, func(d *Deps) {
		d.Headless = headless
		d.Promoter = promoteAll{}
	})

	src := htmlSource("spa", static, "https://spa/agenda")
	src.HeadlessFallback = true
	res := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.True(t, res.Success)
	require.Equal(t, 2, res.Inserted)
	require.Len(t, headless.requested, 1)

	src.HeadlessFallback = false
	res = h.orch.RunSource(context.Background(), src, JobRequest{Force: true})
	require.Zero(t, res.Inserted)
	require.Len(t, headless.requested, 1)
}

func TestHeadlessSourceSkipsStaticFetcher(t *testing.T) {
	t.Parallel()

	headless := &fakeFetcher{pages: map[string]string{"https://spa/agenda": agendaPage}, headless: true}
	h := newHarness(t, func(d *Deps) { d.Headless = headless })
	src := htmlSource("spa", nil, "https://spa/agenda")
	src.Headless = true
	src.Proxy = true

	res := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.True(t, res.Success, res.Error)
	require.Equal(t, 2, res.Inserted)
	require.True(t, headless.requested[0].Proxy)
	require.Equal(t, "spa", headless.requested[0].Source)
}

func TestSourceRendererOverridesSharedHeadless(t *testing.T) {
	t.Parallel()

	shared := &fakeFetcher{pages: map[string]string{}, headless: true}
	own := &fakeFetcher{pages: map[string]string{"https://spa/agenda": agendaPage}, headless: true}
	h := newHarness(t, func(d *Deps) { d.Headless = shared })
	src := htmlSource("spa", nil, "https://spa/agenda")
	src.Headless = true
	src.Renderer = own

	res := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.True(t, res.Success, res.Error)
	require.Equal(t, 2, res.Inserted)
	require.Len(t, own.requested, 1)
	require.Empty(t, shared.requested)

	bare := newHarness(t, nil)
	res = bare.orch.RunSource(context.Background(), src, JobRequest{Force: true})
	require.True(t, res.Success, res.Error)
	require.Len(t, own.requested, 2)
}

type fakeAI struct {
	records []map[string]any
	err     error
	prompts []string
	texts   []string
}

func (f *fakeAI) ExtractEvents(_ context.Context, _ string, text string, prompt string) ([]map[string]any, error) {
	f.prompts = append(f.prompts, prompt)
	f.texts = append(f.texts, text)
	return f.records, f.err
}

func TestAIExtractionFeedsNormalizer(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{records: []map[string]any{
		{"name": "Electro Sunday", "datetime": "23 de noviembre de 2026 18:00", "club": "Razz", "url": "/e/1", "genres": "electro / synth"},
		{"name": "", "date": "2026-11-30"},
	}}
	fetcher := &fakeFetcher{pages: map[string]string{"https://razz.example/agenda": agendaPage}}
	h := newHarness(t, func(d *Deps) { d.AI = ai })

	src := Source{Name: "razz", Plan: Plan{Pages: []string{"https://razz.example/agenda"}}, Fetcher: fetcher, UseAI: true, AIPrompt: "solo conciertos"}
	res := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.True(t, res.Success, res.Error)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Invalid)
	require.Equal(t, []string{"solo conciertos"}, ai.prompts)
	require.Contains(t, ai.texts[0], "Noche Techno")

	stored, err := h.store.ListEvents(context.Background(), crawler.EventFilter{Source: "razz"})
	require.NoError(t, err)
	require.Equal(t, "Razz", stored[0].Club)
	require.Equal(t, "https://razz.example/e/1", stored[0].TicketLink)
	require.Equal(t, []string{"electro", "synth"}, stored[0].MusicStyle)
	require.Equal(t, time.Date(2026, 11, 23, 18, 0, 0, 0, time.UTC), stored[0].Date)
}

func TestAIErrorFailsOnlyThatPage(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{err: errors.New("rate limited")}
	fetcher := &fakeFetcher{pages: map[string]string{"https://a/1": agendaPage}}
	h := newHarness(t, func(d *Deps) { d.AI = ai })
	src := Source{Name: "a", Plan: Plan{Pages: []string{"https://a/1"}}, Fetcher: fetcher, UseAI: true}

	res := h.orch.RunSource(context.Background(), src, JobRequest{})
	require.False(t, res.Success)
	require.Equal(t, 1, res.PagesFailed)
}

func TestSnapshotsAreStoredByDigest(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{"https://a/1": agendaPage}}
	var blobs *memstore.BlobStore
	h := newHarness(t, func(d *Deps) {
		blobs = memstore.NewBlobStore()
		d.Snapshots = blobs
		d.Hasher = sha256.New(16)
	})
	res := h.orch.RunSource(context.Background(), htmlSource("apolo", fetcher, "https://a/1"), JobRequest{})
	require.True(t, res.Success)

	paths := blobs.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "apolo/2026-10-19/"), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".html"))
	body, ok := blobs.Object(paths[0])
	require.True(t, ok)
	require.Equal(t, agendaPage, string(body))
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	require.True(t, crawler.IsFatal(err))
	_, err = New(Deps{
		Normalizer: normalize.New(dates.New(time.UTC)),
		Persister:  persist.New(memstore.NewEventStore(), nil),
		Clock:      system.New(),
		Snapshots:  memstore.NewBlobStore(),
	})
	require.ErrorContains(t, err, "hasher")
}

func TestRunSourceEmitsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := telemetry.NewTracerProvider(context.Background(),
		telemetry.Config{ServiceName: "test", SampleRatio: 1}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	fetcher := &fakeFetcher{pages: map[string]string{"https://apolo.example/a": agendaPage}}
	h := newHarness(t, func(d *Deps) { d.Tracer = telemetry.TracerFrom(tp) })
	res := h.orch.RunSource(context.Background(),
		htmlSource("apolo", fetcher, "https://apolo.example/a", "https://apolo.example/missing"),
		JobRequest{RunID: "run-7"})
	require.True(t, res.Success, res.Error)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		byName[span.Name()] = append(byName[span.Name()], span)
	}
	require.Len(t, byName["scrape.source"], 1)
	require.Len(t, byName["scrape.page"], 2)
	require.Len(t, byName["scrape.persist"], 1)

	source := byName["scrape.source"][0]
	require.Equal(t, codes.Unset, source.Status().Code)
	var failedPages int
	for _, page := range byName["scrape.page"] {
		require.Equal(t, source.SpanContext().SpanID(), page.Parent().SpanID())
		if page.Status().Code == codes.Error {
			failedPages++
		}
	}
	require.Equal(t, 1, failedPages)
}
