package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/telemetry"
)

// ErrUnknownSource is returned when a run names a source that is not configured.
var ErrUnknownSource = errors.New("unknown source")

// ErrNoSources is returned when a run selects nothing to do.
var ErrNoSources = errors.New("no sources selected")

// RunnerConfig bounds how runs execute.
type RunnerConfig struct {
	// Parallelism caps how many sources run at once.
	Parallelism int
	// JobTimeout bounds each source job; zero means unbounded.
	JobTimeout time.Duration
	// Topic receives one completion message per source job when set.
	Topic string
}

// Runner runs sets of sources and records each run.
type Runner struct {
	orch      *Orchestrator
	sources   []Source
	runs      crawler.RunStore
	ids       crawler.IDGenerator
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       RunnerConfig
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewRunner builds a Runner over the configured sources. publisher may be nil.
func NewRunner(orch *Orchestrator, sources []Source, runs crawler.RunStore, ids crawler.IDGenerator,
	publisher crawler.Publisher, clock crawler.Clock, cfg RunnerConfig, logger *zap.Logger,
) (*Runner, error) {
	if orch == nil || runs == nil || ids == nil || clock == nil {
		return nil, &crawler.FatalError{Reason: "runner requires orchestrator, run store, id generator and clock"}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		orch:      orch,
		sources:   sources,
		runs:      runs,
		ids:       ids,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("runner"),
	}, nil
}

// Sources returns the names of the configured sources.
func (r *Runner) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name)
	}
	return names
}

// Run executes the request synchronously and returns its summary.
func (r *Runner) Run(ctx context.Context, req crawler.RunRequest) (crawler.Summary, error) {
	selected, err := r.selectSources(req.Sources)
	if err != nil {
		return crawler.Summary{}, err
	}
	record, err := r.begin(ctx, req)
	if err != nil {
		return crawler.Summary{}, err
	}
	return r.execute(ctx, record, selected), nil
}

// Start records a run and executes it in the background. The run keeps
// going after ctx is canceled; use Wait to drain background runs.
func (r *Runner) Start(ctx context.Context, req crawler.RunRequest) (crawler.RunRecord, error) {
	selected, err := r.selectSources(req.Sources)
	if err != nil {
		return crawler.RunRecord{}, err
	}
	record, err := r.begin(ctx, req)
	if err != nil {
		return crawler.RunRecord{}, err
	}
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(bg, record, selected)
	}()
	return record, nil
}

// Wait blocks until background runs finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Get returns a recorded run.
func (r *Runner) Get(ctx context.Context, id string) (crawler.RunRecord, bool, error) {
	return r.runs.GetRun(ctx, id) //nolint:wrapcheck
}

// List returns recent runs, newest first.
func (r *Runner) List(ctx context.Context, limit int) ([]crawler.RunRecord, error) {
	return r.runs.ListRuns(ctx, limit) //nolint:wrapcheck
}

func (r *Runner) selectSources(names []string) ([]Source, error) {
	if len(names) == 0 {
		if len(r.sources) == 0 {
			return nil, ErrNoSources
		}
		return r.sources, nil
	}
	byName := make(map[string]Source, len(r.sources))
	for _, s := range r.sources {
		byName[s.Name] = s
	}
	var selected []Source
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

func (r *Runner) begin(ctx context.Context, req crawler.RunRequest) (crawler.RunRecord, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return crawler.RunRecord{}, fmt.Errorf("new run id: %w", err)
	}
	record := crawler.RunRecord{
		ID:        id,
		Status:    crawler.RunStatusRunning,
		Request:   req,
		StartedAt: r.clock.Now(),
	}
	if err := r.runs.SaveRun(ctx, record); err != nil {
		return crawler.RunRecord{}, fmt.Errorf("record run: %w", err)
	}
	return record, nil
}

func (r *Runner) execute(ctx context.Context, record crawler.RunRecord, sources []Source) crawler.Summary {
	logger := r.logger.With(zap.String("run_id", record.ID))
	logger.Info("run started", zap.Int("sources", len(sources)), zap.Bool("force", record.Request.Force))
	ctx, span := r.orch.deps.Tracer.Start(ctx, "scrape.run", trace.WithAttributes(
		telemetry.AttrRunID.String(record.ID),
		attribute.Int("scrape.sources", len(sources)),
	))

	results := make([]crawler.JobResult, len(sources))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Parallelism)
	for i, src := range sources {
		group.Go(func() error {
			jobCtx := groupCtx
			if r.cfg.JobTimeout > 0 {
				var cancel context.CancelFunc
				jobCtx, cancel = context.WithTimeout(groupCtx, r.cfg.JobTimeout)
				defer cancel()
			}
			results[i] = r.orch.RunSource(jobCtx, src, JobRequest{
				RunID:    record.ID,
				Force:    record.Request.Force,
				MaxPages: record.Request.MaxPages,
			})
			r.publish(ctx, logger, results[i])
			return nil
		})
	}
	_ = group.Wait()

	summary := Summarize(results)
	record.Summary = &summary
	record.FinishedAt = r.clock.Now()
	record.Status = crawler.RunStatusSucceeded
	if !summary.Success {
		record.Status = crawler.RunStatusFailed
	}
	if err := r.runs.SaveRun(ctx, record); err != nil {
		logger.Error("record run result", zap.Error(err))
	}
	span.SetAttributes(attribute.Int("scrape.count", summary.Count), attribute.Bool("scrape.success", summary.Success))
	var runErr error
	if !summary.Success {
		runErr = errors.New(summary.Message)
	}
	telemetry.End(span, runErr)
	logger.Info("run finished", zap.Bool("success", summary.Success), zap.Int("count", summary.Count))
	return summary
}

func (r *Runner) publish(ctx context.Context, logger *zap.Logger, result crawler.JobResult) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	id, err := r.publisher.Publish(ctx, r.cfg.Topic, result)
	if err != nil {
		logger.Warn("publish job completion", zap.String("source", result.Source), zap.Error(err))
		return
	}
	logger.Debug("job completion published", zap.String("source", result.Source), zap.String("message_id", id))
}

// Summarize folds job results into a run summary. A run succeeds when at
// least one source job succeeded.
func Summarize(results []crawler.JobResult) crawler.Summary {
	var (
		summary                              crawler.Summary
		inserted, updated, invalid, failures int
		errs                                 []string
	)
	for _, res := range results {
		summary.Count += res.Stored()
		inserted += res.Inserted
		updated += res.Updated
		invalid += res.Invalid
		if res.Success {
			summary.Success = true
			continue
		}
		failures++
		errs = append(errs, fmt.Sprintf("%s: %s", res.Source, res.Error))
	}
	summary.Results = results
	summary.Message = fmt.Sprintf("%d of %d sources succeeded: %d inserted, %d updated, %d invalid",
		len(results)-failures, len(results), inserted, updated, invalid)
	if !summary.Success {
		summary.Error = strings.Join(errs, "; ")
	}
	return summary
}
