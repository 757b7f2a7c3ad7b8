package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/ai"
	"github.com/JakeFAU/realtime-events-crawler/internal/clock/system"
	"github.com/JakeFAU/realtime-events-crawler/internal/config"
	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/dates"
	"github.com/JakeFAU/realtime-events-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/realtime-events-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/realtime-events-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-events-crawler/internal/hash/sha256"
	"github.com/JakeFAU/realtime-events-crawler/internal/headless/detector"
	"github.com/JakeFAU/realtime-events-crawler/internal/id/uuid"
	"github.com/JakeFAU/realtime-events-crawler/internal/normalize"
	"github.com/JakeFAU/realtime-events-crawler/internal/orchestrator"
	"github.com/JakeFAU/realtime-events-crawler/internal/persist"
	"github.com/JakeFAU/realtime-events-crawler/internal/policy/ratelimit"
)

// snapshotDigestLength keeps snapshot object names short but collision-safe per day.
const snapshotDigestLength = 16

func (a *App) setupRunner(_ context.Context) error {
	loc, err := dates.LoadLocation(a.cfg.Dates.Timezone)
	if err != nil {
		return fmt.Errorf("dates init failed: %w", err)
	}
	tables := make([]dates.MonthTable, 0, len(a.cfg.Dates.Locales))
	for _, locale := range a.cfg.Dates.Locales {
		tables = append(tables, dates.Tables[locale])
	}

	clock := system.New()
	deps := orchestrator.Deps{
		Normalizer:   normalize.New(dates.New(loc, tables...)),
		Persister:    persist.New(a.events, a.logger),
		Snapshots:    a.snapshots,
		SnapshotType: a.cfg.Snapshot.ContentType,
		Hasher:       sha256.New(snapshotDigestLength),
		Clock:        clock,
		Pauser:       crawler.TimerPauser{},
		Delay:        a.cfg.DelayPolicy(),
		Logger:       a.logger,
	}
	// One limiter so static and headless fetches share each host's budget.
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.RatePerHost,
		DefaultBurst: a.cfg.Fetch.Burst,
		PerHost:      a.cfg.Fetch.HostRates,
	})
	if err := a.setupHeadless(&deps, limiter); err != nil {
		return err
	}
	a.setupAI(&deps)

	orch, err := orchestrator.New(deps)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	sources, err := a.buildSources(limiter)
	if err != nil {
		return err
	}
	a.runner, err = orchestrator.NewRunner(orch, sources, a.runs, uuid.New(), a.publisher, clock,
		orchestrator.RunnerConfig{
			Parallelism: a.cfg.Runner.Parallelism,
			JobTimeout:  a.cfg.JobTimeout(),
			Topic:       a.cfg.PubSub.TopicName,
		}, a.logger)
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}
	a.logger.Info("runner initialized",
		zap.Strings("sources", a.runner.Sources()),
		zap.Int("parallelism", a.cfg.Runner.Parallelism),
		zap.Duration("job_timeout", a.cfg.JobTimeout()),
	)
	return nil
}

func (a *App) setupHeadless(deps *orchestrator.Deps, limiter *ratelimit.Limiter) error {
	if !a.cfg.Headless.Enabled {
		a.logger.Info("headless rendering disabled")
		return nil
	}
	userAgents := a.cfg.Fetch.UserAgents
	if len(userAgents) == 0 {
		userAgents = collyfetcher.DefaultUserAgents
	}
	fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgents:        userAgents,
		AcceptLanguage:    a.cfg.Fetch.AcceptLanguage,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		WaitSelector:      a.cfg.Headless.WaitSelector,
		Settle:            time.Duration(a.cfg.Headless.SettleMs) * time.Millisecond,
		ScrollRounds:      a.cfg.Headless.ScrollRounds,
		Proxies:           a.cfg.Fetch.Proxies,
	}, a.cfg.RetryPolicy(""), limiter, a.logger)
	if err != nil {
		return fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = fetcher
	deps.Headless = fetcher
	deps.Promoter = detector.NewHeuristic(a.cfg.Headless.PromotionThresh, a.cfg.Headless.Markers...)
	a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return nil
}

// setupAI leaves deps.AI nil when the client cannot be built so that only
// AI-backed sources fail, each with a fatal job result.
func (a *App) setupAI(deps *orchestrator.Deps) {
	if !a.cfg.RequiresAI() {
		return
	}
	aiCfg := ai.Config{
		APIKey:       a.cfg.AI.APIKey,
		Model:        a.cfg.AI.Model,
		SystemPrompt: a.cfg.AI.SystemPrompt,
		MaxChars:     a.cfg.AI.MaxChars,
	}
	client, err := ai.NewClient(aiCfg)
	if err != nil {
		a.logger.Error("AI client unavailable; AI sources will fail", zap.Error(err))
		return
	}
	retry := crawler.NewExponentialRetryPolicyWith(a.cfg.AI.MaxAttempts, time.Second, 10*time.Second)
	extractor, err := ai.New(client, aiCfg, retry, crawler.TimerPauser{}, a.logger)
	if err != nil {
		a.logger.Error("AI extractor unavailable; AI sources will fail", zap.Error(err))
		return
	}
	deps.AI = extractor
	a.logger.Info("AI extraction enabled", zap.String("model", aiCfg.Model))
}

func (a *App) buildSources(limiter *ratelimit.Limiter) ([]orchestrator.Source, error) {
	var sources []orchestrator.Source
	for _, sc := range a.cfg.Sources {
		if sc.Disabled {
			a.logger.Info("source disabled", zap.String("source", sc.Name))
			continue
		}
		src, err := a.buildSource(sc, limiter)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (a *App) buildSource(sc config.SourceConfig, limiter *ratelimit.Limiter) (orchestrator.Source, error) {
	logger := a.logger.With(zap.String("source", sc.Name))
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgents:     a.cfg.Fetch.UserAgents,
		Proxies:        a.cfg.Fetch.Proxies,
		AcceptLanguage: a.cfg.Fetch.AcceptLanguage,
		Timeout:        a.cfg.FetchTimeout(),
	}, a.cfg.RetryPolicy(sc.Backoff), limiter, logger)
	if err != nil {
		return orchestrator.Source{}, err //nolint:wrapcheck
	}
	// Headless renders reuse the shared browsers with this source's retry policy.
	var renderer crawler.Fetcher
	if a.headless != nil {
		renderer = a.headless.WithRetry(a.cfg.RetryPolicy(sc.Backoff))
	}
	var headers http.Header
	if sc.Referer != "" {
		headers = http.Header{"Referer": []string{sc.Referer}}
	}
	return orchestrator.Source{
		Name: sc.Name,
		Plan: orchestrator.Plan{
			Pages:          sc.Pages,
			PageTemplate:   sc.PageTemplate,
			FirstPage:      sc.FirstPage,
			MaxPages:       sc.MaxPages,
			WindowTemplate: sc.WindowTemplate,
			WindowMonths:   sc.WindowMonths,
			WindowLayout:   sc.WindowDateLayout,
		},
		Fetcher:          fetcher,
		Renderer:         renderer,
		Extractor:        extract.New(logger, sc.Selectors...),
		UseAI:            sc.Extractor == config.ExtractorAI,
		AIPrompt:         sc.AIPrompt,
		DatePolicy:       crawler.DatePolicy(sc.DatePolicy),
		Headless:         sc.Render == config.RenderHeadless,
		HeadlessFallback: sc.HeadlessFallback,
		Proxy:            sc.Proxy,
		Headers:          headers,
	}, nil
}
