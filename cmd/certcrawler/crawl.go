package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl session in the foreground",
		Long: `Probes the catalog, builds a plan covering the pages added since the
last stored slot and crawls it. The session summary is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) (err error) {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { err = closeApp(cmd.Context(), app, err) }()

	_, summary, runErr := app.RunSession(cmd.Context())
	if summary.SessionID == "" && runErr != nil {
		return fmt.Errorf("start session: %w", runErr)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("session %s: %w", summary.SessionID, runErr)
	}
	zap.L().Info("crawl command finished", zap.String("session_id", summary.SessionID))
	return nil
}
