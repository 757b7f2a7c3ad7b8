// Package headless renders client-side agenda pages in headless Chrome for
// sources that need it, or when a static page came back without events.
package headless

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/metrics"
)

const scrollToBottom = `window.scrollTo(0, document.body.scrollHeight)`

// Config controls the browser session used for every render.
type Config struct {
	// MaxParallel caps concurrent renders; zero means unbounded.
	MaxParallel int
	// UserAgents is the disguise pool; one entry is picked per render.
	UserAgents        []string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before the DOM is captured; "body" when empty.
	WaitSelector string
	// Settle gives client-side rendering time to populate listings.
	Settle time.Duration
	// ScrollRounds scrolls to the bottom this many times so lazy agendas load more items.
	ScrollRounds int
	// Proxies (host:port or URL) get one browser allocator each. Only
	// requests with Proxy set go through them.
	Proxies []string
	// Pauser waits between attempts; nil means a real timer.
	Pauser crawler.Pauser
}

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type rendered struct {
	html     string
	finalURL string
	status   int
	headers  http.Header
	docURL   string
}

type renderFunc func(ctx context.Context, request crawler.FetchRequest, userAgent string) (rendered, error)

type allocator struct {
	proxy  string
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetcher implements crawler.Fetcher with one chromedp tab per render.
type Fetcher struct {
	cfg     Config
	retry   crawler.RetryPolicy
	slots   *semaphore.Weighted
	limiter Waiter
	logger  *zap.Logger
	pick    func(int) int
	render  renderFunc
	direct  allocator
	proxied []allocator
}

// NewChromedp prepares browser allocators. retry and limiter may be nil.
func NewChromedp(cfg Config, retry crawler.RetryPolicy, limiter Waiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ScrollRounds < 0 {
		return nil, fmt.Errorf("scroll rounds must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
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
		logger:  logger.Named("headless"),
		pick:    rand.IntN,
		direct:  newAllocator(""),
	}
	for _, proxy := range cfg.Proxies {
		if proxy = strings.TrimSpace(proxy); proxy != "" {
			f.proxied = append(f.proxied, newAllocator(proxy))
		}
	}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	f.render = f.renderChrome
	return f, nil
}

func newAllocator(proxy string) allocator {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return allocator{proxy: proxy, ctx: ctx, cancel: cancel}
}

// WithRetry returns a view that shares the browsers, slots and limiter but
// retries with policy. Close the original, not the view.
func (f *Fetcher) WithRetry(policy crawler.RetryPolicy) *Fetcher {
	view := *f
	if policy != nil {
		view.retry = policy
	}
	return &view
}

// Close shuts the browsers down.
func (f *Fetcher) Close() {
	f.direct.cancel()
	for _, a := range f.proxied {
		a.cancel()
	}
}

// Fetch renders request.URL, retrying failed renders and non-2xx documents
// until the retry policy is exhausted. Context cancellation is returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	attempts := f.retry.MaxAttempts()
	if attempts < 1 {
		attempts = 1
	}
	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := f.cfg.Pauser.Pause(ctx, f.retry.Backoff(attempt-1)); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
			}
		}
		resp, err := f.attempt(ctx, request)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, ctxErr)
		}
		var gate *gateError
		if errors.As(err, &gate) {
			return crawler.FetchResponse{}, gate.err
		}

		var statusErr *crawler.StatusError
		if errors.As(err, &statusErr) {
			lastStatus = statusErr.Code
		}
		lastErr = err
		f.logger.Warn("render attempt failed",
			zap.String("source", request.Source),
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}
	return crawler.FetchResponse{}, &crawler.FetchError{
		URL:      request.URL,
		Attempts: attempts,
		Status:   lastStatus,
		Err:      lastErr,
	}
}

// gateError marks a slot or limiter refusal, which ends the fetch without retrying.
type gateError struct {
	err error
}

func (e *gateError) Error() string { return e.err.Error() }

func (f *Fetcher) attempt(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, &gateError{err: fmt.Errorf("headless slot wait canceled: %w", err)}
		}
		defer f.slots.Release(1)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, &gateError{err: fmt.Errorf("render %s: %w", request.URL, err)}
		}
	}

	start := time.Now()
	page, err := f.render(ctx, request, f.userAgent())
	if err != nil {
		metrics.ObserveFetchAttempt(request.URL, "error", 0)
		return crawler.FetchResponse{}, err
	}
	status := page.status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 200 || status >= 300 {
		metrics.ObserveFetchAttempt(request.URL, "status", 0)
		return crawler.FetchResponse{}, &crawler.StatusError{Code: status}
	}

	finalURL := firstNonEmpty(page.docURL, page.finalURL, request.URL)
	metrics.ObserveFetchAttempt(request.URL, "ok", len(page.html))
	f.logger.Debug("page rendered",
		zap.String("source", request.Source),
		zap.String("url", finalURL),
		zap.Int("bytes", len(page.html)),
		zap.Duration("took", time.Since(start)),
	)
	headers := page.headers
	if headers == nil {
		headers = http.Header{}
	}
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) userAgent() string {
	if len(f.cfg.UserAgents) == 0 {
		return ""
	}
	return f.cfg.UserAgents[f.pick(len(f.cfg.UserAgents))]
}

// allocatorFor rotates proxied browsers for sources that opted into proxies.
func (f *Fetcher) allocatorFor(request crawler.FetchRequest) allocator {
	if request.Proxy && len(f.proxied) > 0 {
		return f.proxied[f.pick(len(f.proxied))]
	}
	return f.direct
}

func (f *Fetcher) renderChrome(ctx context.Context, request crawler.FetchRequest, userAgent string) (rendered, error) {
	alloc := f.allocatorFor(request)
	if alloc.proxy != "" {
		f.logger.Debug("using proxy", zap.String("url", request.URL), zap.String("proxy", alloc.proxy))
	}
	tabCtx, closeTab := chromedp.NewContext(alloc.ctx)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// The tab hangs off a shared allocator, so tie it to the caller explicitly.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.listen)

	var page rendered
	tasks := chromedp.Tasks{
		f.prepare(userAgent, request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	for range f.cfg.ScrollRounds {
		tasks = append(tasks,
			chromedp.Evaluate(scrollToBottom, nil),
			chromedp.Sleep(f.cfg.Settle),
		)
	}
	tasks = append(tasks,
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&page.finalURL),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return rendered{}, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return rendered{}, fmt.Errorf("chromedp run: %w", err)
	}
	page.status, page.headers, page.docURL = doc.result()
	return page, nil
}

func (f *Fetcher) prepare(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			override := emulation.SetUserAgentOverride(userAgent)
			if f.cfg.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(f.cfg.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if extra := toNetworkHeaders(headers, f.cfg.AcceptLanguage); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse keeps the first document response of a tab, which is the
// listing page itself; iframes report later.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) listen(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(resp.Response.Status)
	d.headers = fromNetworkHeaders(resp.Response.Headers)
	d.url = resp.Response.URL
}

func (d *documentResponse) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.headers, d.url
}

// fromNetworkHeaders splits Chrome's newline-joined repeated headers.
func fromNetworkHeaders(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for key, value := range h {
		for _, line := range strings.Split(fmt.Sprint(value), "\n") {
			out.Add(key, line)
		}
	}
	return out
}

func toNetworkHeaders(h http.Header, acceptLanguage string) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[http.CanonicalHeaderKey(key)] = strings.Join(values, ", ")
		}
	}
	if _, set := out["Accept-Language"]; !set && acceptLanguage != "" {
		out["Accept-Language"] = acceptLanguage
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
