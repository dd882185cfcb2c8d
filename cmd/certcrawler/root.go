package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/config"
	"github.com/JakeFAU/certcatalog-crawler/internal/consistency"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/logging"
	"github.com/JakeFAU/certcatalog-crawler/internal/server"
	"github.com/JakeFAU/certcatalog-crawler/internal/session"
)

// application is what the subcommands need from the composition root.
type application interface {
	RunSession(ctx context.Context) (*session.Session, crawler.SessionSummary, error)
	Audit(ctx context.Context) ([]consistency.Finding, consistency.AuditStats, error)
	Replay(ctx context.Context, sessionID string) (consistency.Report, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (application, error) {
	return server.Build(ctx, cfg, logger, server.Options{})
}

type appKeyType string

const appKey appKeyType = "app"

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "certcrawler",
		Short: "Crawls a paginated certification catalog with coordinate-consistent sessions.",
		Long: `certcrawler discovers the size of a paginated product-certification listing,
plans the pages that changed since the last session, crawls them in batches
and verifies that every stored record maps to a unique catalog slot.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CERTCRAWL_* env vars override it")

	cmd.AddCommand(newCrawlCmd(), newVerifyCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (application, error) {
	app, ok := ctx.Value(appKey).(application)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// closeApp releases the app and folds its error into err.
func closeApp(ctx context.Context, app application, err error) error {
	if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
		zap.L().Warn("failed to close application", zap.Error(cerr))
		if err == nil {
			err = cerr
		}
	}
	return err
}
