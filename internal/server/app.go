package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/api"
	"github.com/JakeFAU/certcatalog-crawler/internal/batch"
	"github.com/JakeFAU/certcatalog-crawler/internal/clock/system"
	"github.com/JakeFAU/certcatalog-crawler/internal/config"
	"github.com/JakeFAU/certcatalog-crawler/internal/consistency"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/certcatalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/certcatalog-crawler/internal/plan"
	"github.com/JakeFAU/certcatalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress/sinks"
	"github.com/JakeFAU/certcatalog-crawler/internal/session"
	"github.com/JakeFAU/certcatalog-crawler/internal/stage"
	recstorage "github.com/JakeFAU/certcatalog-crawler/internal/storage"
	"github.com/JakeFAU/certcatalog-crawler/internal/store"
	"github.com/JakeFAU/certcatalog-crawler/internal/worker"
)

// Blobs is a blob store that can also read back what it wrote.
type Blobs interface {
	crawler.BlobStore
	crawler.BlobSource
}

// Options overrides pieces of the graph, mostly for tests.
type Options struct {
	// Registerer receives the event collectors; defaults to the global registry.
	Registerer prometheus.Registerer
	// Fetch and Parse replace the colly/chromedp fetchers and goquery parser.
	Fetch crawler.FetchProvider
	Parse crawler.ParseProvider
	// Publisher replaces the Pub/Sub publisher when pubsub is enabled.
	Publisher crawler.Publisher
	// Blobs replaces the configured archive backend.
	Blobs Blobs
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock  crawler.Clock
	ids    crawler.IDGenerator
	hasher crawler.Hasher
	retry  *crawler.RetryPolicy

	fetch   crawler.FetchProvider
	parse   crawler.ParseProvider
	limiter *ratelimit.Limiter
	prober  *plan.Prober

	records  crawler.RecordStore
	writer   *recstorage.SerialWriter
	repo     store.ProgressRepository
	blobs    Blobs
	archive  *sinks.ArchiveSink
	hub      *progress.Hub
	registry *session.Registry
	apiSrv   *api.Server

	closers []func(context.Context) error

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		ids:      uuid.New(),
		hasher:   sha256.New(),
		retry:    cfg.RetryPolicy(),
		registry: session.NewRegistry(cfg.Server.SessionHistory),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	app.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	steps := []func(context.Context, Options) error{
		app.setupFetch,
		app.setupStore,
		app.setupArchive,
		app.setupProgress,
	}
	for _, step := range steps {
		if err := step(ctx, opts); err != nil {
			app.Close(context.Background()) //nolint:errcheck // best effort on a failed build
			return nil, err
		}
	}

	app.prober = plan.NewProber(app.fetch, app.parse, app.clock, plan.ProberConfig{
		ListURL:      cfg.ListURL,
		ItemsPerPage: cfg.Catalog.ItemsPerPage,
		MaxPages:     cfg.Catalog.MaxPages,
	}, logger)
	app.apiSrv = api.NewServer(app.registry, app, app.repo, app.ready, cfg.Auth, logger.Named("api"))
	return app, nil
}

// Registry exposes the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// API returns the HTTP API.
func (a *App) API() *api.Server { return a.apiSrv }

// Records returns the record store sessions write to.
func (a *App) Records() crawler.RecordStore { return a.records }

// Blobs returns the archive backend, or nil when archiving is off.
func (a *App) Blobs() Blobs { return a.blobs }

// NewSession wires a fresh session against the shared infrastructure.
func (a *App) NewSession() (*session.Session, error) {
	limits := a.cfg.ConcurrencyLimits()
	return session.New(session.Config{
		MaxConcurrentBatches: limits.Batches,
		BatchRetries:         a.cfg.Crawl.BatchRetries,
		PartialPageSeverity:  a.cfg.Crawl.PartialPageSeverity,
	}, session.Deps{
		Frontier: a.prober,
		Store:    a.records,
		Planner: plan.NewBuilder(plan.Config{
			TargetPageSize: a.cfg.Catalog.TargetPageSize,
			BatchPages:     a.cfg.Crawl.BatchPages,
			RefreshPages:   a.cfg.Crawl.RefreshPages,
		}, a.ids, a.hasher),
		Batches: func(events progress.Emitter) session.BatchRunner {
			w := worker.New(worker.Deps{
				Fetch:   a.fetch,
				Parse:   a.parse,
				Store:   a.records,
				Hasher:  a.hasher,
				Clock:   a.clock,
				IDs:     a.ids,
				Retry:   a.retry,
				Limiter: a.limiter,
				Events:  events,
				Logger:  a.logger,
			})
			seq := stage.New(stage.Config{
				ListWorkers:    limits.ListWorkers,
				DetailWorkers:  limits.DetailWorkers,
				PersistWorkers: limits.PersistWorkers,
				StageBudget:    a.cfg.Crawl.StageBudget,
			}, w, a.cfg.ListURL, events, a.clock, a.logger)
			return batch.New(seq, events, a.clock, a.logger)
		},
		Events: a.hub,
		IDs:    a.ids,
		Clock:  a.clock,
		Logger: a.logger,
	})
}

// RunSession runs one session to completion in the foreground.
func (a *App) RunSession(ctx context.Context) (*session.Session, crawler.SessionSummary, error) {
	sess, err := a.admit()
	if err != nil {
		return nil, crawler.SessionSummary{}, err
	}
	summary, err := sess.Run(ctx)
	return sess, summary, err
}

// StartSession starts a session in the background and returns its ID. It
// implements api.Starter.
func (a *App) StartSession(context.Context) (string, error) {
	sess, err := a.admit()
	if err != nil {
		return "", err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := sess.Run(a.baseCtx); err != nil {
			a.logger.Warn("session ended with error", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}()
	return sess.ID(), nil
}

func (a *App) admit() (*session.Session, error) {
	sess, err := a.NewSession()
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	if err := a.registry.Add(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Audit scans the record store for coordinate inconsistencies.
func (a *App) Audit(ctx context.Context) ([]consistency.Finding, consistency.AuditStats, error) {
	return consistency.AuditStore(ctx, a.records)
}

// Replay re-validates an archived session event log.
func (a *App) Replay(ctx context.Context, sessionID string) (consistency.Report, error) {
	if a.blobs == nil {
		return consistency.Report{}, errors.New("no archive backend configured")
	}
	events, err := sinks.LoadArchive(ctx, a.blobs, sessionID)
	if err != nil {
		return consistency.Report{}, err
	}
	v := consistency.New(consistency.WithPartialPageSeverity(session.PartialPageFindingSeverity(a.cfg.Crawl.PartialPageSeverity)))
	if err := v.Consume(ctx, events); err != nil {
		return consistency.Report{}, fmt.Errorf("replay events: %w", err)
	}
	return v.Finalize(), nil
}

func (a *App) ready(ctx context.Context) error {
	if _, _, err := a.records.MaxKnownSlot(ctx); err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	return nil
}

// Close stops background sessions and releases every resource. Active
// sessions are cancelled and waited for until ctx ends.
func (a *App) Close(ctx context.Context) error {
	if active, ok := a.registry.Active(); ok {
		if err := active.Cancel(); err != nil {
			a.logger.Debug("cancel active session", zap.Error(err))
		}
	}
	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.logger.Warn("sessions still running at shutdown")
	}
	a.cancel()

	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.writer != nil {
		a.writer.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func timeoutOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
