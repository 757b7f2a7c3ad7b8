// Package collyfetcher implements Fetcher using gocolly with user-agent and
// proxy rotation plus retry with backoff.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/metrics"
)

// DefaultUserAgents is the pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
}

// Config controls collector behavior.
type Config struct {
	UserAgents     []string
	Proxies        []string
	AcceptLanguage string
	Timeout        time.Duration
	// Pauser waits between attempts; nil means a real timer.
	Pauser crawler.Pauser
}

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per attempt.
type Fetcher struct {
	cfg        Config
	retry      crawler.RetryPolicy
	limiter    Waiter
	logger     *zap.Logger
	direct     http.RoundTripper
	proxied    []http.RoundTripper
	proxyHosts []string
	pick       func(n int) int
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, retry crawler.RetryPolicy, limiter Waiter, logger *zap.Logger) (*Fetcher, error) {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "es-ES,es;q=0.9,en-US;q=0.8,en;q=0.7"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Pauser == nil {
		cfg.Pauser = crawler.TimerPauser{}
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:     cfg,
		retry:   retry,
		limiter: limiter,
		logger:  logger.Named("fetcher"),
		direct:  newHTTPTransport(nil),
		pick:    rand.IntN,
	}
	for _, raw := range cfg.Proxies {
		proxyURL, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || proxyURL.Host == "" {
			return nil, &crawler.FatalError{Reason: fmt.Sprintf("invalid proxy %q", raw)}
		}
		f.proxied = append(f.proxied, newHTTPTransport(proxyURL))
		f.proxyHosts = append(f.proxyHosts, proxyURL.Host)
	}
	return f, nil
}

// Fetch retries non-2xx responses and transport errors until the retry policy
// is exhausted. Context cancellation is returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	attempts := f.retry.MaxAttempts()
	if attempts < 1 {
		attempts = 1
	}
	var (
		lastThrown error
		lastStatus int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := f.cfg.Pauser.Pause(ctx, f.retry.Backoff(attempt-1)); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
			}
		}

		resp, err := f.attempt(ctx, request)
		if err == nil {
			metrics.ObserveFetchAttempt(request.URL, "ok", len(resp.Body))
			resp.Attempts = attempt
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctxErr)
		}

		var statusErr *crawler.StatusError
		if errors.As(err, &statusErr) {
			lastStatus = statusErr.Code
			metrics.ObserveFetchAttempt(request.URL, "status", 0)
		} else {
			lastThrown = err
			metrics.ObserveFetchAttempt(request.URL, "error", 0)
		}
		f.logger.Warn("fetch attempt failed",
			zap.String("source", request.Source),
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}

	final := lastThrown
	if final == nil {
		final = crawler.ErrAllAttemptsFailed
	}
	return crawler.FetchResponse{}, &crawler.FetchError{
		URL:      request.URL,
		Attempts: attempts,
		Status:   lastStatus,
		Err:      final,
	}
}

func (f *Fetcher) attempt(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return result, &crawler.StatusError{Code: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := colly.NewCollector(colly.AllowURLRevisit())
	collector.ParseHTTPErrorResponse = true
	collector.UserAgent = f.cfg.UserAgents[f.pick(len(f.cfg.UserAgents))]
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport := f.direct
	if request.Proxy && len(f.proxied) > 0 {
		i := f.pick(len(f.proxied))
		transport = f.proxied[i]
		f.logger.Debug("using proxy", zap.String("url", request.URL), zap.String("proxy", f.proxyHosts[i]))
	}
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.browserHeaders(r)
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) browserHeaders(r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	r.Headers.Set("Cache-Control", "no-cache")
	r.Headers.Set("Pragma", "no-cache")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxy *url.URL) *http.Transport {
	proxyFunc := http.ProxyFromEnvironment
	if proxy != nil {
		proxyFunc = http.ProxyURL(proxy)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
