// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/dates"
	"github.com/JakeFAU/realtime-events-crawler/internal/extract"
)

// Extractor kinds selectable per source.
const (
	ExtractorHTML = "html"
	ExtractorAI   = "ai"
)

// Render modes selectable per source.
const (
	RenderStatic   = "static"
	RenderHeadless = "headless"
)

// Snapshot backends.
const (
	SnapshotNone   = "none"
	SnapshotMemory = "memory"
	SnapshotLocal  = "local"
	SnapshotGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Dates      DatesConfig      `mapstructure:"dates"`
	DB         DBConfig         `mapstructure:"db"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	AI         AIConfig         `mapstructure:"ai"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	ReadTimeoutSeconds    int    `mapstructure:"read_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	CORSOrigin            string `mapstructure:"cors_origin"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	Backoff          string `mapstructure:"backoff"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// FetchConfig holds the browser disguise and egress pools.
type FetchConfig struct {
	UserAgents     []string           `mapstructure:"user_agents"`
	Proxies        []string           `mapstructure:"proxies"`
	AcceptLanguage string             `mapstructure:"accept_language"`
	RatePerHost    float64            `mapstructure:"rate_per_host"`
	Burst          int                `mapstructure:"burst"`
	HostRates      map[string]float64 `mapstructure:"host_rates"`
}

// PolitenessConfig bounds the randomized pause between pages of one job.
type PolitenessConfig struct {
	MinDelayMs int `mapstructure:"min_delay_ms"`
	MaxDelayMs int `mapstructure:"max_delay_ms"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	MaxParallel     int      `mapstructure:"max_parallel"`
	NavTimeoutSec   int      `mapstructure:"nav_timeout_seconds"`
	SettleMs        int      `mapstructure:"settle_ms"`
	WaitSelector    string   `mapstructure:"wait_selector"`
	ScrollRounds    int      `mapstructure:"scroll_rounds"`
	PromotionThresh int      `mapstructure:"promotion_threshold"`
	Markers         []string `mapstructure:"markers"`
}

// DatesConfig selects the timezone and month-name tables used for parsing.
type DatesConfig struct {
	Timezone string   `mapstructure:"timezone"`
	Locales  []string `mapstructure:"locales"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN                   string `mapstructure:"dsn"`
	Table                 string `mapstructure:"table"`
	RunsTable             string `mapstructure:"runs_table"`
	MaxConns              int32  `mapstructure:"max_conns"`
	MinConns              int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinute int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema          bool   `mapstructure:"ensure_schema"`
}

// SnapshotConfig sets where raw pages are archived.
type SnapshotConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AIConfig configures the OpenRouter extraction client.
type AIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxChars     int    `mapstructure:"max_chars"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span export to Cloud Trace.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RunnerConfig bounds how runs execute.
type RunnerConfig struct {
	Parallelism   int `mapstructure:"parallelism"`
	JobTimeoutSec int `mapstructure:"job_timeout_seconds"`
	RunHistory    int `mapstructure:"run_history"`
}

// SourceConfig describes one event-listing site.
type SourceConfig struct {
	Name     string `mapstructure:"name"`
	Disabled bool   `mapstructure:"disabled"`
	// Pages is a fixed list of listing URLs.
	Pages []string `mapstructure:"pages"`
	// PageTemplate contains {page}; pages FirstPage..FirstPage+MaxPages-1 are fetched.
	PageTemplate string `mapstructure:"page_template"`
	FirstPage    int    `mapstructure:"first_page"`
	MaxPages     int    `mapstructure:"max_pages"`
	// WindowTemplate contains {from} and {to}; weekly windows cover WindowMonths.
	WindowTemplate   string                `mapstructure:"window_template"`
	WindowMonths     int                   `mapstructure:"window_months"`
	WindowDateLayout string                `mapstructure:"window_date_layout"`
	Selectors        []extract.SelectorSet `mapstructure:"selectors"`
	Extractor        string                `mapstructure:"extractor"`
	AIPrompt         string                `mapstructure:"ai_prompt"`
	DatePolicy       string                `mapstructure:"date_policy"`
	Render           string                `mapstructure:"render"`
	HeadlessFallback bool                  `mapstructure:"headless_fallback"`
	Proxy            bool                  `mapstructure:"proxy"`
	Backoff          string                `mapstructure:"backoff"`
	Referer          string                `mapstructure:"referer"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 660)
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff", crawler.BackoffExponential)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("fetch.accept_language", "es-ES,es;q=0.9,en;q=0.8")
	v.SetDefault("fetch.rate_per_host", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("politeness.min_delay_ms", 2000)
	v.SetDefault("politeness.max_delay_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_ms", 1500)
	v.SetDefault("headless.scroll_rounds", 0)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("dates.timezone", "Europe/Madrid")
	v.SetDefault("dates.locales", []string{"es", "en"})
	v.SetDefault("db.table", "events")
	v.SetDefault("db.runs_table", "scrape_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("snapshot.backend", SnapshotNone)
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("snapshot.content_type", "text/html; charset=utf-8")
	v.SetDefault("ai.max_chars", 24000)
	v.SetDefault("ai.max_attempts", 3)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "eventscraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("runner.parallelism", 1)
	v.SetDefault("runner.job_timeout_seconds", 600)
	v.SetDefault("runner.run_history", 100)
}

func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Extractor == "" {
			s.Extractor = ExtractorHTML
		}
		if s.DatePolicy == "" {
			s.DatePolicy = string(crawler.DatePolicyDrop)
		}
		if s.Render == "" {
			s.Render = RenderStatic
		}
		if s.FirstPage == 0 {
			s.FirstPage = 1
		}
		if s.WindowDateLayout == "" {
			s.WindowDateLayout = time.DateOnly
		}
		if s.WindowTemplate != "" && s.WindowMonths == 0 {
			s.WindowMonths = 6
		}
		if s.Backoff == "" {
			s.Backoff = c.HTTP.Backoff
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.Backoff != crawler.BackoffExponential && c.HTTP.Backoff != crawler.BackoffRandom {
		return fmt.Errorf("http.backoff must be %q or %q", crawler.BackoffExponential, crawler.BackoffRandom)
	}
	if c.Politeness.MinDelayMs < 0 || c.Politeness.MaxDelayMs < c.Politeness.MinDelayMs {
		return fmt.Errorf("politeness delays must satisfy 0 <= min_delay_ms <= max_delay_ms")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.ScrollRounds < 0 {
		return fmt.Errorf("headless.scroll_rounds must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Runner.Parallelism <= 0 {
		return fmt.Errorf("runner.parallelism must be > 0")
	}
	// A synchronous scrape cut off by the request timeout cancels its jobs before they persist.
	if c.Server.RequestTimeoutSeconds > 0 && c.Runner.JobTimeoutSec > 0 &&
		c.Server.RequestTimeoutSeconds <= c.Runner.JobTimeoutSec {
		return fmt.Errorf("server.request_timeout_seconds must exceed runner.job_timeout_seconds")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if _, err := dates.LoadLocation(c.Dates.Timezone); err != nil {
		return fmt.Errorf("dates.timezone: %w", err)
	}
	for _, locale := range c.Dates.Locales {
		if _, ok := dates.Tables[locale]; !ok {
			return fmt.Errorf("dates.locales: unknown locale %q", locale)
		}
	}
	switch c.Snapshot.Backend {
	case "", SnapshotNone, SnapshotMemory:
	case SnapshotLocal:
		if c.Snapshot.BaseDir == "" {
			return fmt.Errorf("snapshot.base_dir is required for the local backend")
		}
	case SnapshotGCS:
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshot.backend %q is not supported", c.Snapshot.Backend)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if err := s.validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func (s SourceConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Pages) == 0 && s.PageTemplate == "" && s.WindowTemplate == "" {
		return fmt.Errorf("%s: one of pages, page_template or window_template is required", s.Name)
	}
	if s.PageTemplate != "" && !strings.Contains(s.PageTemplate, "{page}") {
		return fmt.Errorf("%s: page_template must contain {page}", s.Name)
	}
	if s.WindowTemplate != "" && (!strings.Contains(s.WindowTemplate, "{from}") || !strings.Contains(s.WindowTemplate, "{to}")) {
		return fmt.Errorf("%s: window_template must contain {from} and {to}", s.Name)
	}
	switch s.Extractor {
	case ExtractorHTML, ExtractorAI:
	default:
		return fmt.Errorf("%s: extractor must be %q or %q", s.Name, ExtractorHTML, ExtractorAI)
	}
	switch crawler.DatePolicy(s.DatePolicy) {
	case crawler.DatePolicyDrop, crawler.DatePolicyFallback:
	default:
		return fmt.Errorf("%s: date_policy must be %q or %q", s.Name, crawler.DatePolicyDrop, crawler.DatePolicyFallback)
	}
	switch s.Render {
	case RenderStatic, RenderHeadless:
	default:
		return fmt.Errorf("%s: render must be %q or %q", s.Name, RenderStatic, RenderHeadless)
	}
	for _, set := range s.Selectors {
		if set.Item == "" {
			return fmt.Errorf("%s: selector set %q needs an item selector", s.Name, set.Name)
		}
	}
	return nil
}

// Source returns the named source configuration.
func (c Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// RequiresAI reports whether any enabled source extracts with the AI client.
func (c Config) RequiresAI() bool {
	for _, s := range c.Sources {
		if !s.Disabled && s.Extractor == ExtractorAI {
			return true
		}
	}
	return false
}

// FetchTimeout is the per-attempt HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// JobTimeout bounds one source job; zero means unbounded.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Runner.JobTimeoutSec) * time.Second
}

// RetryPolicy builds the fetch retry policy for a backoff kind.
func (c Config) RetryPolicy(kind string) crawler.RetryPolicy {
	if kind == "" {
		kind = c.HTTP.Backoff
	}
	return crawler.NewRetryPolicy(kind, c.HTTP.MaxAttempts,
		time.Duration(c.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs)*time.Millisecond,
	)
}

// DelayPolicy returns the between-page politeness delay.
func (c Config) DelayPolicy() crawler.DelayPolicy {
	return crawler.DelayPolicy{
		Min: time.Duration(c.Politeness.MinDelayMs) * time.Millisecond,
		Max: time.Duration(c.Politeness.MaxDelayMs) * time.Millisecond,
	}
}
