package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/models"
)

// DefaultDebounceDelay coalesces the burst of writes sqlite makes per commit.
const DefaultDebounceDelay = 100 * time.Millisecond

// watchBatchSize bounds each read of new behavior rows.
const watchBatchSize = 100

func newWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print behavior events as they are recorded",
		Long: `Follow the telemetry database and print every new behavior event.

The database directory is watched for writes; the --interval poll picks up
changes the file watcher misses (for example on network filesystems).
Press Ctrl+C to stop.`,
		Example: `  pychatcat watch
  pychatcat watch --interval 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("invalid interval %s: must be positive", interval)
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			t, err := newTailer(ctx, store, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			color.New(color.FgCyan).Fprintf(cmd.OutOrStdout(), "Watching %s (poll interval %s)\n", store.Path(), interval)
			return runWatch(ctx, t, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Fallback poll interval")

	return cmd
}

// tailer prints behavior rows recorded after lastID.
type tailer struct {
	store  *analytics.Store
	out    io.Writer
	lastID int64
}

func (t *tailer) poll(ctx context.Context) error {
	for {
		events, err := t.store.BehaviorsSince(ctx, t.lastID, watchBatchSize)
		if err != nil {
			return err
		}
		for _, e := range events {
			printBehavior(t.out, e)
			t.lastID = e.ID
		}
		if len(events) < watchBatchSize {
			return nil
		}
	}
}

func latestBehaviorID(ctx context.Context, store *analytics.Store) (int64, error) {
	rows, err := store.QueryRows(ctx, "SELECT COALESCE(MAX(id), 0) FROM "+analytics.TableBehaviors)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, rows.Err()
}

// newTailer returns a tailer positioned after the newest existing row.
func newTailer(ctx context.Context, store *analytics.Store, out io.Writer) (*tailer, error) {
	start, err := latestBehaviorID(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest event: %w", err)
	}
	return &tailer{store: store, out: out, lastID: start}, nil
}

// runWatch prints new rows through t until ctx ends.
func runWatch(ctx context.Context, t *tailer, interval time.Duration) error {
	store := t.store
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	prefix := filepath.Base(store.Path())
	if store.Path() != ":memory:" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(store.Path())); err != nil {
			return fmt.Errorf("failed to watch %s: %w", filepath.Dir(store.Path()), err)
		}
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	debounce := time.NewTimer(DefaultDebounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			// Matches the database and its -wal/-shm companions.
			if strings.HasPrefix(filepath.Base(event.Name), prefix) && event.Has(fsnotify.Write|fsnotify.Create) {
				debounce.Reset(DefaultDebounceDelay)
			}
			continue
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			color.New(color.FgYellow).Fprintf(t.out, "watch error: %v\n", err)
			continue
		case <-debounce.C:
		case <-ticker.C:
		}
		if err := t.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read new events: %w", err)
		}
	}
}

func printBehavior(w io.Writer, e models.BehaviorEvent) {
	code := color.New(color.FgGreen, color.Bold)
	if e.BehaviorCode == "FC" {
		code = color.New(color.FgRed, color.Bold)
	}

	fmt.Fprintf(w, "[%s] ", e.Timestamp.Local().Format("15:04:05"))
	code.Fprintf(w, "%-4s", e.BehaviorCode)
	fmt.Fprintf(w, " %-30s %s", e.ActivityName, e.SessionID)
	if e.Duration != nil {
		fmt.Fprintf(w, " %.2fs", *e.Duration)
	}
	if len(e.AdditionalData) > 0 {
		if data, err := json.Marshal(e.AdditionalData); err == nil {
			fmt.Fprintf(w, " %s", data)
		}
	}
	fmt.Fprintln(w)
}
