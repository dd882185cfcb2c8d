package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/session"
)

// Serve runs the HTTP API and the session schedule until ctx is cancelled or
// the process receives SIGINT/SIGTERM, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler, err := a.schedule()
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeoutOr(a.cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()

	if scheduler != nil {
		// Running jobs are tracked by the app and cancelled in Close.
		scheduler.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// schedule builds the cron scheduler, or returns nil when no schedule is set.
// A tick that finds a session already active is skipped.
func (a *App) schedule() (*cron.Cron, error) {
	if a.cfg.Schedule.Cron == "" {
		return nil, nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(a.cfg.Schedule.Cron, a.scheduledRun)
	if err != nil {
		return nil, fmt.Errorf("parse schedule.cron %q: %w", a.cfg.Schedule.Cron, err)
	}
	a.logger.Info("session schedule enabled", zap.String("cron", a.cfg.Schedule.Cron))
	return c, nil
}

func (a *App) scheduledRun() {
	a.wg.Add(1)
	defer a.wg.Done()
	sess, summary, err := a.RunSession(a.baseCtx)
	switch {
	case errors.Is(err, session.ErrBusy):
		a.logger.Info("scheduled session skipped, another session is active")
	case err != nil && sess == nil:
		a.logger.Error("scheduled session could not start", zap.Error(err))
	case err != nil:
		a.logger.Warn("scheduled session ended with error", zap.String("session_id", sess.ID()), zap.Error(err))
	default:
		a.logger.Info("scheduled session completed",
			zap.String("session_id", sess.ID()),
			zap.Int("completed_pages", summary.CompletedPages),
			zap.Int("expected_pages", summary.ExpectedPages),
		)
	}
}
