// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/parser/goquery"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Archive backends.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Auth     AuthConfig           `mapstructure:"auth"`
	Catalog  CatalogConfig        `mapstructure:"catalog"`
	Crawl    CrawlConfig          `mapstructure:"crawl"`
	Retry    RetryConfig          `mapstructure:"retry"`
	HTTP     HTTPConfig           `mapstructure:"http"`
	Headless HeadlessConfig       `mapstructure:"headless"`
	Parser   goqueryparser.Config `mapstructure:"parser"`
	Store    StoreConfig          `mapstructure:"store"`
	Archive  ArchiveConfig        `mapstructure:"archive"`
	PubSub   PubSubConfig         `mapstructure:"pubsub"`
	Events   EventsConfig         `mapstructure:"events"`
	Schedule ScheduleConfig       `mapstructure:"schedule"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SessionHistory  int           `mapstructure:"session_history"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CatalogConfig describes the source listing.
type CatalogConfig struct {
	// ListURL is a printf template taking the 1-based page number.
	ListURL string `mapstructure:"list_url"`
	// ItemsPerPage pins the source page size; zero reads it from page 1.
	ItemsPerPage   uint32 `mapstructure:"items_per_page"`
	TargetPageSize uint32 `mapstructure:"target_page_size"`
	MaxPages       uint32 `mapstructure:"max_pages"`
}

// CrawlConfig governs plan shape and the coordination pools.
type CrawlConfig struct {
	BatchPages           int           `mapstructure:"batch_pages"`
	RefreshPages         int           `mapstructure:"refresh_pages"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	ListWorkers          int           `mapstructure:"list_workers"`
	DetailWorkers        int           `mapstructure:"detail_workers"`
	PersistWorkers       int           `mapstructure:"persist_workers"`
	PersistShards        int           `mapstructure:"persist_shards"`
	BatchRetries         int           `mapstructure:"batch_retries"`
	PartialPageSeverity  string        `mapstructure:"partial_page_severity"`
	StageBudget          time.Duration `mapstructure:"stage_budget"`
}

// RetryConfig configures task-level retries.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	ParseMaxAttempts int           `mapstructure:"parse_max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig configures the static fetcher and politeness.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	WaitSelector    string        `mapstructure:"wait_selector"`
	PromotionThresh int           `mapstructure:"promotion_threshold"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig sets where session event logs are written.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	ProjectID string   `mapstructure:"project_id"`
	TopicName string   `mapstructure:"topic_name"`
	Kinds     []string `mapstructure:"kinds"`
}

// EventsConfig tunes the event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// ScheduleConfig holds the serve-mode session schedule.
type ScheduleConfig struct {
	// Cron is a standard five-field expression; empty disables scheduling.
	Cron string `mapstructure:"cron"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CERTCRAWL")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.session_history", 50)
	v.SetDefault("catalog.list_url", "https://catalog.example.com/certifications?page=%d")
	v.SetDefault("catalog.items_per_page", 0)
	v.SetDefault("catalog.target_page_size", 10)
	v.SetDefault("catalog.max_pages", 10000)
	v.SetDefault("crawl.batch_pages", 5)
	v.SetDefault("crawl.refresh_pages", 0)
	v.SetDefault("crawl.max_concurrent_batches", 2)
	v.SetDefault("crawl.list_workers", 2)
	v.SetDefault("crawl.detail_workers", 4)
	v.SetDefault("crawl.persist_workers", 2)
	v.SetDefault("crawl.persist_shards", 4)
	v.SetDefault("crawl.batch_retries", 1)
	v.SetDefault("crawl.partial_page_severity", "batch")
	v.SetDefault("crawl.stage_budget", "10m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.parse_max_attempts", 2)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("http.user_agent", "certcatalog-bot/0.1")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.rps", 2.0)
	v.SetDefault("http.burst", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("parser.item", "table.certifications tbody tr")
	v.SetDefault("parser.link", "a.cert-link")
	v.SetDefault("parser.key", "td.cert-id")
	v.SetDefault("parser.detail_root", "article.certification")
	v.SetDefault("parser.detail_key", ".cert-id")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.badger.path", "data/records")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "records")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.local_dir", "data/archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "certcrawl-events")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 64)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("schedule.cron", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !strings.Contains(c.Catalog.ListURL, "%d") {
		return fmt.Errorf("catalog.list_url must contain a %%d page placeholder")
	}
	if c.Catalog.TargetPageSize == 0 {
		return fmt.Errorf("catalog.target_page_size must be > 0")
	}
	if c.Crawl.BatchPages <= 0 {
		return fmt.Errorf("crawl.batch_pages must be > 0")
	}
	if c.Crawl.RefreshPages < 0 {
		return fmt.Errorf("crawl.refresh_pages must be >= 0")
	}
	if c.Crawl.MaxConcurrentBatches <= 0 || c.Crawl.ListWorkers <= 0 || c.Crawl.DetailWorkers <= 0 || c.Crawl.PersistWorkers <= 0 {
		return fmt.Errorf("crawl pool sizes must be > 0")
	}
	if c.Crawl.BatchRetries < 0 {
		return fmt.Errorf("crawl.batch_retries must be >= 0")
	}
	switch c.Crawl.PartialPageSeverity {
	case "batch", "session":
	default:
		return fmt.Errorf("crawl.partial_page_severity must be batch or session, got %q", c.Crawl.PartialPageSeverity)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.Parser.Validate(); err != nil {
		return fmt.Errorf("parser: %w", err)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreBadger:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// ListURL renders the listing URL of a 1-based page.
func (c Config) ListURL(page uint32) string {
	return fmt.Sprintf(c.Catalog.ListURL, page)
}

// ItemsPerPage implements crawler.Settings.
func (c Config) ItemsPerPage() uint32 { return c.Catalog.ItemsPerPage }

// TargetPageSize implements crawler.Settings.
func (c Config) TargetPageSize() uint32 { return c.Catalog.TargetPageSize }

// ConcurrencyLimits implements crawler.Settings.
func (c Config) ConcurrencyLimits() crawler.ConcurrencyLimits {
	return crawler.ConcurrencyLimits{
		Batches:        c.Crawl.MaxConcurrentBatches,
		ListWorkers:    c.Crawl.ListWorkers,
		DetailWorkers:  c.Crawl.DetailWorkers,
		PersistWorkers: c.Crawl.PersistWorkers,
	}
}

// RetryPolicy converts the retry section into a task retry policy.
func (c Config) RetryPolicy() *crawler.RetryPolicy {
	p := crawler.NewRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	if c.Retry.ParseMaxAttempts > 0 {
		p.ParseMaxAttempts = c.Retry.ParseMaxAttempts
	}
	if c.Retry.BaseDelay > 0 {
		p.BaseDelay = c.Retry.BaseDelay
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	return p
}

var _ crawler.Settings = Config{}
