package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/consistency"
)

type verifyOutput struct {
	Audit struct {
		Stats    consistency.AuditStats `json:"stats"`
		Findings []consistency.Finding  `json:"findings"`
	} `json:"audit"`
	Replay *consistency.Report `json:"replay,omitempty"`
}

func newVerifyCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Checks stored records and archived session events for consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = closeApp(cmd.Context(), app, err) }()

			var out verifyOutput
			findings, stats, err := app.Audit(cmd.Context())
			if err != nil {
				return fmt.Errorf("audit store: %w", err)
			}
			out.Audit.Stats, out.Audit.Findings = stats, findings
			if sessionID != "" {
				report, err := app.Replay(cmd.Context(), sessionID)
				if err != nil {
					return fmt.Errorf("replay session %s: %w", sessionID, err)
				}
				out.Replay = &report
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write report: %w", err)
			}

			flagged := len(findings)
			if out.Replay != nil && !out.Replay.OK() {
				flagged += len(out.Replay.MismatchFlags())
			}
			if flagged > 0 {
				return fmt.Errorf("verification found %d problem(s)", flagged)
			}
			zap.L().Info("verification passed", zap.Int("records", stats.Records))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "events", "", "session ID whose archived event log is replayed")
	return cmd
}
