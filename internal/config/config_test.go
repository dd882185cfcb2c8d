package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
catalog:
  list_url: "https://certs.test/list?p=%d"
  items_per_page: 25
  target_page_size: 20
crawl:
  batch_pages: 3
  refresh_pages: 2
  max_concurrent_batches: 4
  batch_retries: 0
  partial_page_severity: session
  stage_budget: 90s
retry:
  max_attempts: 5
  base_delay: 100ms
http:
  timeout: 45s
  rps: 0.5
parser:
  item: li.product
  link: a
  key: .sku
  fields:
    title: h1
  required: [title]
store:
  backend: postgres
  postgres:
    dsn: postgres://localhost/certs
archive:
  backend: gcs
  gcs_bucket: bucket
  prefix: logs
schedule:
  cron: "*/30 * * * *"
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.ItemsPerPage() != 25 || cfg.TargetPageSize() != 20 {
		t.Fatalf("expected catalog geometry overrides, got %+v", cfg.Catalog)
	}
	if got := cfg.ListURL(7); got != "https://certs.test/list?p=7" {
		t.Fatalf("unexpected list url %q", got)
	}
	if cfg.Crawl.PartialPageSeverity != "session" || cfg.Crawl.BatchRetries != 0 || cfg.Crawl.StageBudget != 90*time.Second {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if limits := cfg.ConcurrencyLimits(); limits.Batches != 4 || limits.DetailWorkers != 4 {
		t.Fatalf("unexpected limits %+v", limits)
	}
	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != 5 || policy.BaseDelay != 100*time.Millisecond || policy.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected retry policy %+v", policy)
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.RPS != 0.5 {
		t.Fatalf("expected http overrides: %+v", cfg.HTTP)
	}
	if cfg.Parser.Fields["title"] != "h1" || len(cfg.Parser.Required) != 1 {
		t.Fatalf("expected parser selectors to load: %+v", cfg.Parser)
	}
	if cfg.Store.Backend != StorePostgres || cfg.Store.Postgres.Table != "records" {
		t.Fatalf("expected postgres store with default table: %+v", cfg.Store)
	}
	if cfg.Archive.GCSBucket != "bucket" || cfg.Schedule.Cron != "*/30 * * * *" {
		t.Fatalf("expected archive and schedule overrides")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.BatchRetries != 1 || cfg.Crawl.PartialPageSeverity != "batch" {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawl)
	}
	if cfg.Store.Backend != StoreMemory || cfg.Archive.Backend != ArchiveNone {
		t.Fatalf("unexpected backend defaults")
	}
	if cfg.Events.MaxBatchWait != 250*time.Millisecond {
		t.Fatalf("unexpected events defaults: %+v", cfg.Events)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CERTCRAWL_CRAWL_BATCH_PAGES", "9")
	t.Setenv("CERTCRAWL_STORE_BACKEND", "badger")
	t.Setenv("CERTCRAWL_STORE_BADGER_PATH", "/tmp/certs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.BatchPages != 9 {
		t.Fatalf("expected batch pages from env, got %d", cfg.Crawl.BatchPages)
	}
	if cfg.Store.Backend != StoreBadger || cfg.Store.Badger.Path != "/tmp/certs" {
		t.Fatalf("expected badger store from env: %+v", cfg.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "list url without placeholder", mutate: func(c *Config) { c.Catalog.ListURL = "https://x/list" }, want: "catalog.list_url"},
		{name: "zero target page size", mutate: func(c *Config) { c.Catalog.TargetPageSize = 0 }, want: "catalog.target_page_size"},
		{name: "zero batch pages", mutate: func(c *Config) { c.Crawl.BatchPages = 0 }, want: "crawl.batch_pages"},
		{name: "zero pool", mutate: func(c *Config) { c.Crawl.DetailWorkers = 0 }, want: "pool sizes"},
		{name: "negative batch retries", mutate: func(c *Config) { c.Crawl.BatchRetries = -1 }, want: "crawl.batch_retries"},
		{name: "unknown severity", mutate: func(c *Config) { c.Crawl.PartialPageSeverity = "page" }, want: "partial_page_severity"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, want: "retry.max_attempts"},
		{name: "zero timeout", mutate: func(c *Config) { c.HTTP.Timeout = 0 }, want: "http.timeout"},
		{name: "headless missing max parallel", mutate: func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, want: "headless.max_parallel"},
		{name: "parser without item", mutate: func(c *Config) { c.Parser.Item = "" }, want: "parser.item"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, want: "store.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = StorePostgres }, want: "store.postgres.dsn"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = ArchiveGCS }, want: "archive.gcs_bucket"},
		{name: "pubsub without project", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
