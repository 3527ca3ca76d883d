package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/report"
)

func newStatsCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats <session-id>",
		Short: "Show statistics for one session",
		Long: `Show behavior counts, code operation, AI interaction and error
statistics for one session.

Supported formats:
  - text: colored terminal summary
  - markdown: Markdown report with tables
  - html: standalone HTML page rendered from the Markdown report`,
		Example: `  pychatcat stats session_1714989600_u1
  pychatcat stats session_1714989600_u1 --format html > report.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case report.FormatText, report.FormatMarkdown, report.FormatHTML:
			default:
				return fmt.Errorf("invalid format '%s': format must be 'text', 'markdown' or 'html'", format)
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetSessionStats(cmd.Context(), models.SessionID(args[0]))
			if errors.Is(err, analytics.ErrSessionNotFound) {
				return fmt.Errorf("session %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to load session statistics: %w", err)
			}
			return report.Render(cmd.OutOrStdout(), stats, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", report.FormatText, "Output format (text|markdown|html)")

	return cmd
}
