package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oochihiro/pychatcat/internal/models"
)

func newSessionsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, newest first",
		Example: `  pychatcat sessions
  pychatcat sessions --limit 50 --db-path ./data/learning_analytics.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("invalid limit %d: must be positive", limit)
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to show")

	return cmd
}

func printSessions(w io.Writer, sessions []models.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return
	}

	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	cyan.Fprintf(w, "%-40s %-20s %-20s %10s %10s\n", "SESSION", "USER", "STARTED", "DURATION", "EVENTS")
	for _, s := range sessions {
		duration := "open"
		if s.Ended() {
			duration = s.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-40s %-20s %-20s ", s.SessionID, s.UserID, s.StartTime.Local().Format("2006-01-02 15:04:05"))
		if s.Ended() {
			fmt.Fprintf(w, "%10s %10d\n", duration, s.TotalActivities)
		} else {
			yellow.Fprintf(w, "%10s", duration)
			fmt.Fprintf(w, " %10s\n", "-")
		}
	}
}
