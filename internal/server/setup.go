package server

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/config"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/certcatalog-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/certcatalog-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/certcatalog-crawler/internal/headless/detector"
	"github.com/JakeFAU/certcatalog-crawler/internal/parser/goquery"
	"github.com/JakeFAU/certcatalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/certcatalog-crawler/internal/publisher/pubsub"
	recstorage "github.com/JakeFAU/certcatalog-crawler/internal/storage"
	badgerstore "github.com/JakeFAU/certcatalog-crawler/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/certcatalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/certcatalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/certcatalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/certcatalog-crawler/internal/storage/postgres"
)

func (a *App) setupFetch(_ context.Context, opts Options) error {
	a.limiter = ratelimit.New(ratelimit.Config{RPS: a.cfg.HTTP.RPS, Burst: a.cfg.HTTP.Burst})

	if opts.Parse != nil {
		a.parse = opts.Parse
	} else {
		parser, err := goqueryparser.New(a.cfg.Parser)
		if err != nil {
			return fmt.Errorf("parser init failed: %w", err)
		}
		a.parse = parser
	}

	if opts.Fetch != nil {
		a.fetch = opts.Fetch
		return nil
	}
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTP.Timeout,
	}, a.logger)
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))
	a.fetch = static
	if !a.cfg.Headless.Enabled {
		return nil
	}
	rendered, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
		WaitSelector:      a.cfg.Headless.WaitSelector,
		ItemSelector:      a.cfg.Parser.Item,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, continuing with static fetches only", zap.Error(err))
		return nil
	}
	a.onClose(func(context.Context) error {
		rendered.Close()
		return nil
	})
	a.fetch = headlessfetcher.NewPromoting(static, rendered, detector.NewHeuristic(a.cfg.Headless.PromotionThresh), a.logger)
	a.logger.Info("using headless promotion", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return nil
}

func (a *App) setupStore(ctx context.Context, _ Options) error {
	var backend crawler.RecordStore
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := pgstore.NewRecordStore(ctx, pgstore.Config{
			DSN:             a.cfg.Store.Postgres.DSN,
			Table:           a.cfg.Store.Postgres.Table,
			MaxConns:        a.cfg.Store.Postgres.MaxConns,
			MinConns:        a.cfg.Store.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Store.Postgres.MaxConnLifetime,
		}, a.clock)
		if err != nil {
			return fmt.Errorf("record store init failed: %w", err)
		}
		a.onClose(func(context.Context) error {
			pg.Close()
			return nil
		})
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("record schema: %w", err)
		}
		repo := pg.Progress()
		if err := repo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("progress schema: %w", err)
		}
		a.repo = repo
		backend = pg
		a.logger.Info("postgres record store initialized", zap.String("table", a.cfg.Store.Postgres.Table))
	case config.StoreBadger:
		bs, err := badgerstore.Open(badgerstore.Config{Path: a.cfg.Store.Badger.Path}, a.clock)
		if err != nil {
			return fmt.Errorf("record store init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return bs.Close() })
		backend = bs
		a.logger.Info("badger record store initialized", zap.String("path", a.cfg.Store.Badger.Path))
	default:
		backend = memorystorage.NewRecordStore(a.clock)
		a.logger.Info("using in-memory record store")
	}
	a.writer = recstorage.NewSerialWriter(backend, a.cfg.Crawl.PersistShards, a.logger)
	a.records = a.writer
	return nil
}

func (a *App) setupArchive(ctx context.Context, opts Options) error {
	if opts.Blobs != nil {
		a.blobs = opts.Blobs
		return nil
	}
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("archiving to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
	case config.ArchiveLocal:
		dir := filepath.Join(a.cfg.Archive.LocalDir, a.cfg.Archive.Prefix)
		blobs, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("archiving to local disk", zap.String("path", dir))
	default:
		a.logger.Debug("event archive disabled")
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, opts Options) error {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	if a.repo != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(a.repo, a.logger))
		a.logger.Debug("added progress store sink")
	}
	if a.blobs != nil {
		a.archive = sinks.NewArchiveSink(a.blobs, a.logger)
		sinkList = append(sinkList, a.archive)
		a.logger.Debug("added archive sink")
	}
	if a.cfg.PubSub.Enabled {
		pub, err := a.setupPublisher(ctx, opts)
		if err != nil {
			return err
		}
		kinds := make([]progress.Kind, 0, len(a.cfg.PubSub.Kinds))
		for _, k := range a.cfg.PubSub.Kinds {
			kinds = append(kinds, progress.Kind(k))
		}
		sinkList = append(sinkList, sinks.NewPublishSink(pub, a.cfg.PubSub.TopicName, kinds, a.logger))
		a.logger.Debug("added publish sink", zap.String("topic", a.cfg.PubSub.TopicName))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    timeoutOr(a.cfg.Events.SinkTimeout, 5*time.Second),
		BaseContext:    a.baseCtx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context, opts Options) (crawler.Publisher, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if opts.Publisher != nil {
		return opts.Publisher, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub, err := gcppublisher.New(client, a.cfg.PubSub.TopicName)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose(func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}
