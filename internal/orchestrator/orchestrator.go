// Package orchestrator runs per-source scraping jobs: it fetches each target
// page, extracts and normalizes events, and persists them in one pass.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/extract"
	"github.com/JakeFAU/realtime-events-crawler/internal/metrics"
	"github.com/JakeFAU/realtime-events-crawler/internal/normalize"
	"github.com/JakeFAU/realtime-events-crawler/internal/telemetry"
)

// PageExtractor pulls candidate events out of raw markup.
type PageExtractor interface {
	Extract(html []byte, pageURL string) ([]crawler.PartialEvent, extract.Report)
}

// EventNormalizer validates partial events.
type EventNormalizer interface {
	Normalize(partial crawler.PartialEvent, source string, now time.Time, policy crawler.DatePolicy) (crawler.Event, error)
}

// Persister writes one source's events.
type Persister interface {
	Upsert(ctx context.Context, source string, events []crawler.Event, force bool) (crawler.UpsertResult, error)
}

// Promoter decides whether a static page should be re-rendered headless.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse, candidates int) bool
}

// Source is a fully resolved source job definition.
type Source struct {
	Name string
	Plan Plan
	// Fetcher is the static fetcher for this source; it carries the source's retry policy.
	Fetcher crawler.Fetcher
	// Renderer overrides Deps.Headless for this source, typically to apply its retry policy.
	Renderer  crawler.Fetcher
	Extractor PageExtractor
	// UseAI sends page text to the AI extractor instead of Extractor.
	UseAI            bool
	AIPrompt         string
	DatePolicy       crawler.DatePolicy
	Headless         bool
	HeadlessFallback bool
	Proxy            bool
	Headers          http.Header
}

// JobRequest carries the run-level options for one source job.
type JobRequest struct {
	RunID    string
	Force    bool
	MaxPages int
}

// Deps are the collaborators shared by every job.
type Deps struct {
	Headless   crawler.Fetcher
	Promoter   Promoter
	AI         crawler.AIExtractor
	Normalizer EventNormalizer
	Persister  Persister
	Snapshots  crawler.BlobStore
	// SnapshotType is the content type recorded for snapshots.
	SnapshotType string
	Hasher       crawler.Hasher
	Clock        crawler.Clock
	Pauser       crawler.Pauser
	Delay        crawler.DelayPolicy
	// Tracer defaults to the global pipeline tracer.
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Orchestrator executes source jobs.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Normalizer == nil {
		return nil, &crawler.FatalError{Reason: "normalizer is required"}
	}
	if deps.Persister == nil {
		return nil, &crawler.FatalError{Reason: "persister is required"}
	}
	if deps.Clock == nil {
		return nil, &crawler.FatalError{Reason: "clock is required"}
	}
	if deps.Pauser == nil {
		deps.Pauser = crawler.TimerPauser{}
	}
	if deps.Snapshots != nil && deps.Hasher == nil {
		return nil, &crawler.FatalError{Reason: "hasher is required when snapshots are enabled"}
	}
	if deps.SnapshotType == "" {
		deps.SnapshotType = "text/html; charset=utf-8"
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, logger: logger.Named("orchestrator")}, nil
}

// job is the mutable state of one running source job.
type job struct {
	src    Source
	req    JobRequest
	now    time.Time
	logger *zap.Logger
	result crawler.JobResult
	events []crawler.Event
}

func (j *job) enter(state crawler.JobState, fields ...zap.Field) {
	j.logger.Debug("job state", append([]zap.Field{zap.String("state", string(state))}, fields...)...)
}

// RunSource executes one source job. It never returns an error: every
// failure is folded into the JobResult.
func (o *Orchestrator) RunSource(ctx context.Context, src Source, req JobRequest) crawler.JobResult {
	started := o.deps.Clock.Now()
	j := &job{
		src: src,
		req: req,
		now: started,
		logger: o.logger.With(
			zap.String("source", src.Name),
			zap.String("run_id", req.RunID),
		),
		result: crawler.JobResult{RunID: req.RunID, Source: src.Name, StartedAt: started},
	}
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	ctx, span := o.deps.Tracer.Start(ctx, "scrape.source", trace.WithAttributes(
		telemetry.AttrSource.String(src.Name),
		telemetry.AttrRunID.String(req.RunID),
		attribute.Bool("scrape.force", req.Force),
	))
	j.enter(crawler.JobStatePending, zap.Bool("force", req.Force))

	err := o.run(ctx, j)
	span.SetAttributes(
		telemetry.AttrEvents.Int(len(j.events)),
		attribute.Int("scrape.pages_failed", j.result.PagesFailed),
	)
	telemetry.End(span, err)
	j.result.FinishedAt = o.deps.Clock.Now()
	status := "succeeded"
	if err != nil {
		j.result.Success = false
		j.result.Error = err.Error()
		status = "failed"
		j.enter(crawler.JobStateFailed, zap.Error(err))
	} else {
		j.result.Success = true
		j.enter(crawler.JobStateDone)
	}
	metrics.ObserveJob(src.Name, status, j.result.FinishedAt.Sub(started))
	j.logger.Info("source job finished",
		zap.Bool("success", j.result.Success),
		zap.Int("inserted", j.result.Inserted),
		zap.Int("updated", j.result.Updated),
		zap.Int("skipped", j.result.Skipped),
		zap.Int("invalid", j.result.Invalid),
		zap.Int("failed", j.result.Failed),
		zap.Int("pages_fetched", j.result.PagesFetched),
		zap.Int("pages_failed", j.result.PagesFailed),
	)
	return j.result
}

func (o *Orchestrator) run(ctx context.Context, j *job) error {
	if err := o.checkSetup(j.src); err != nil {
		return err
	}
	targets := j.src.Plan.Targets(j.now, j.req.MaxPages)
	if len(targets) == 0 {
		return &crawler.FatalError{Reason: fmt.Sprintf("source %s has no target pages", j.src.Name)}
	}

	for i, target := range targets {
		if i > 0 {
			if err := o.deps.Pauser.Pause(ctx, o.deps.Delay.Next()); err != nil {
				return fmt.Errorf("job interrupted before page %d: %w", i, err)
			}
		}
		if err := o.processPage(ctx, j, i, target); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("job interrupted on page %d: %w", i, ctx.Err())
			}
			j.result.PagesFailed++
			metrics.ObservePage(j.src.Name, "failed")
			j.enter(crawler.JobStateFailed, zap.Int("page", i), zap.String("url", target), zap.Error(err))
			continue
		}
		j.result.PagesFetched++
		metrics.ObservePage(j.src.Name, "ok")
	}

	if j.result.PagesFetched == 0 {
		return fmt.Errorf("all %d pages failed", len(targets))
	}

	j.enter(crawler.JobStatePersisting, zap.Int("events", len(j.events)))
	persistCtx, span := o.deps.Tracer.Start(ctx, "scrape.persist", trace.WithAttributes(telemetry.AttrEvents.Int(len(j.events))))
	upserted, err := o.deps.Persister.Upsert(persistCtx, j.src.Name, j.events, j.req.Force)
	telemetry.End(span, err)
	j.result.Inserted = upserted.Inserted
	j.result.Updated = upserted.Updated
	j.result.Skipped = upserted.Skipped
	j.result.Failed = upserted.Failed
	if err != nil {
		return fmt.Errorf("persist events: %w", err)
	}
	return nil
}

func (o *Orchestrator) checkSetup(src Source) error {
	if src.Name == "" {
		return &crawler.FatalError{Reason: "source name is required"}
	}
	if src.UseAI && o.deps.AI == nil {
		return &crawler.FatalError{Reason: fmt.Sprintf("source %s uses AI extraction but no AI client is configured", src.Name)}
	}
	if !src.UseAI && src.Extractor == nil {
		return &crawler.FatalError{Reason: fmt.Sprintf("source %s has no extractor", src.Name)}
	}
	if src.Headless && o.renderer(src) == nil {
		return &crawler.FatalError{Reason: fmt.Sprintf("source %s renders headless but headless fetching is disabled", src.Name)}
	}
	if !src.Headless && src.Fetcher == nil {
		return &crawler.FatalError{Reason: fmt.Sprintf("source %s has no fetcher", src.Name)}
	}
	return nil
}

// processPage runs FETCHING, EXTRACTING and NORMALIZING for one target.
func (o *Orchestrator) processPage(ctx context.Context, j *job, index int, target string) (err error) {
	ctx, span := o.deps.Tracer.Start(ctx, "scrape.page", trace.WithAttributes(
		telemetry.AttrPage.Int(index),
		telemetry.AttrURL.String(target),
	))
	defer func() { telemetry.End(span, err) }()

	j.enter(crawler.JobStateFetching, zap.Int("page", index), zap.String("url", target))
	resp, err := o.fetch(ctx, j.src, target, j.src.Headless)
	if err != nil {
		return err
	}
	o.snapshot(ctx, j, resp)

	j.enter(crawler.JobStateExtracting, zap.Int("page", index))
	partials, discarded, err := o.extract(ctx, j, resp)
	if err != nil {
		return err
	}
	if discarded > 0 {
		j.result.Invalid += discarded
		for range discarded {
			metrics.ObserveInvalid(j.src.Name, "incomplete_node")
		}
	}

	j.enter(crawler.JobStateNormalizing, zap.Int("page", index), zap.Int("partials", len(partials)))
	for _, partial := range partials {
		event, err := o.deps.Normalizer.Normalize(partial, j.src.Name, j.now, j.src.DatePolicy)
		if err != nil {
			j.result.Invalid++
			metrics.ObserveInvalid(j.src.Name, invalidReason(err))
			j.logger.Debug("event rejected", zap.String("title", partial.Title), zap.Error(err))
			continue
		}
		j.events = append(j.events, event)
	}
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, src Source, target string, headless bool) (crawler.FetchResponse, error) {
	request := crawler.FetchRequest{
		Source:  src.Name,
		URL:     target,
		Headers: src.Headers,
		Proxy:   src.Proxy,
	}
	if headless {
		return o.renderer(src).Fetch(ctx, request) //nolint:wrapcheck
	}
	return src.Fetcher.Fetch(ctx, request) //nolint:wrapcheck
}

func (o *Orchestrator) renderer(src Source) crawler.Fetcher {
	if src.Renderer != nil {
		return src.Renderer
	}
	return o.deps.Headless
}

func (o *Orchestrator) extract(ctx context.Context, j *job, resp crawler.FetchResponse) ([]crawler.PartialEvent, int, error) {
	if j.src.UseAI {
		return o.extractAI(ctx, j, resp)
	}

	partials, report := j.src.Extractor.Extract(resp.Body, resp.URL)
	if report.Err != nil {
		j.logger.Warn("page degraded to zero events", zap.String("url", resp.URL), zap.Error(report.Err))
	}
	if report.Candidates == 0 && o.shouldPromote(j.src, resp) {
		j.logger.Info("promoting page to headless render", zap.String("url", resp.URL))
		rendered, err := o.fetch(ctx, j.src, resp.URL, true)
		if err != nil {
			j.logger.Warn("headless fallback failed", zap.String("url", resp.URL), zap.Error(err))
		} else {
			o.snapshot(ctx, j, rendered)
			partials, report = j.src.Extractor.Extract(rendered.Body, rendered.URL)
		}
	}
	metrics.ObserveExtracted(j.src.Name, report.Strategy, len(partials))
	return partials, report.Discarded, nil
}

func (o *Orchestrator) shouldPromote(src Source, resp crawler.FetchResponse) bool {
	if !src.HeadlessFallback || o.renderer(src) == nil || resp.UsedHeadless {
		return false
	}
	if o.deps.Promoter == nil {
		return true
	}
	return o.deps.Promoter.ShouldPromote(resp, 0)
}

func (o *Orchestrator) extractAI(ctx context.Context, j *job, resp crawler.FetchResponse) ([]crawler.PartialEvent, int, error) {
	text, err := extract.VisibleText(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("page text: %w", err)
	}
	records, err := o.deps.AI.ExtractEvents(ctx, resp.URL, text, j.src.AIPrompt)
	if err != nil {
		return nil, 0, fmt.Errorf("ai extraction: %w", err)
	}
	partials := make([]crawler.PartialEvent, 0, len(records))
	for _, fields := range records {
		partial := normalize.FromFields(fields)
		partial.TicketLink = resolveAgainst(resp.URL, partial.TicketLink)
		partials = append(partials, partial)
	}
	metrics.ObserveExtracted(j.src.Name, "ai", len(partials))
	return partials, 0, nil
}

// snapshot archives the raw page; failures are logged only.
func (o *Orchestrator) snapshot(ctx context.Context, j *job, resp crawler.FetchResponse) {
	if o.deps.Snapshots == nil || len(resp.Body) == 0 {
		return
	}
	digest, err := o.deps.Hasher.Hash(resp.Body)
	if err != nil {
		j.logger.Warn("hash snapshot", zap.Error(err))
		return
	}
	key := path.Join(j.src.Name, j.now.Format(time.DateOnly), digest+".html")
	uri, err := o.deps.Snapshots.PutObject(ctx, key, o.deps.SnapshotType, bytes.NewReader(resp.Body))
	if err != nil {
		j.logger.Warn("store snapshot", zap.String("url", resp.URL), zap.Error(err))
		return
	}
	j.logger.Debug("snapshot stored", zap.String("url", resp.URL), zap.String("uri", uri))
}

func invalidReason(err error) string {
	switch {
	case errors.Is(err, normalize.ErrMissingName):
		return "missing_name"
	case errors.Is(err, normalize.ErrUnparsableDate):
		return "unparsable_date"
	case errors.Is(err, normalize.ErrMissingSource):
		return "missing_source"
	default:
		return "other"
	}
}
