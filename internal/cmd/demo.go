package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/config"
	"github.com/oochihiro/pychatcat/internal/identity"
	"github.com/oochihiro/pychatcat/internal/logger"
	"github.com/oochihiro/pychatcat/internal/metrics"
	"github.com/oochihiro/pychatcat/internal/mirror"
	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/report"
	"github.com/oochihiro/pychatcat/internal/telemetry"
)

type demoOptions struct {
	dbPath  string
	user    string
	offline bool
}

func newDemoCommand() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Record a sample learning session",
		Long: `Record a short scripted learning session through the telemetry pipeline:
the learner reads the task, writes and runs code, hits an error, asks the
AI assistant, pastes its answer and fixes the error. The session statistics
and pipeline counters are printed afterwards.

Events are mirrored to the configured collector unless --offline is set.`,
		Example: `  pychatcat demo
  pychatcat demo --user student42 --offline`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.dbPath, _ = cmd.Flags().GetString("db-path")
			return runDemo(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.user, "user", "", "User id for the session (default: this machine's identity)")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Do not mirror events to the remote collector")

	return cmd
}

func runDemo(ctx context.Context, opts demoOptions, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.offline {
		cfg.Cloud.Enabled = false
	}

	fileLog, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer fileLog.Close()
	log := logger.NewMultiLogger(logger.NewConsoleLogger(os.Stderr, "warn"), fileLog)

	id, err := identity.Load(cfg.IdentityPath)
	if err != nil {
		log.LogWarn(fmt.Sprintf("identity not persisted: %v", err))
	}
	userID := opts.user
	if userID == "" {
		userID = id.UserID
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := analytics.NewStore(cfg.DBPath, analytics.WithLogger(log), analytics.WithExclusive())
	if err != nil {
		return fmt.Errorf("failed to open telemetry store: %w", err)
	}
	defer store.Close()

	client := mirror.NewClient(cfg.Cloud, *id, mirror.WithLogger(log), mirror.WithMetrics(m))
	tel := telemetry.New(store, client,
		telemetry.WithLogger(log),
		telemetry.WithMetrics(m),
		telemetry.WithDeviceLabel(id.DeviceLabel),
		telemetry.WithQueueSize(cfg.QueueSize),
		telemetry.WithIdleThreshold(cfg.IdleThreshold),
	)

	sessionID := tel.StartSession(userID)
	playScenario(tel)

	closeCtx, cancel := context.WithTimeout(ctx, cfg.Cloud.Timeout+5*time.Second)
	defer cancel()
	if err := tel.Close(closeCtx); err != nil {
		return err
	}
	if err := client.Close(closeCtx); err != nil {
		log.LogWarn(fmt.Sprintf("mirror shutdown: %v", err))
	}

	stats, err := store.GetSessionStats(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session statistics: %w", err)
	}
	report.Text(out, stats)
	return printCounters(out, reg)
}

// playScenario drives one short exercise through the facade.
func playScenario(tel *telemetry.Facade) {
	code := "def mean(xs):\n    return sum(xs) / len(xs)\n\nprint(mean([]))\n"

	tel.LogBehaviorStart("UT", models.Data{"task": "average of a list"})
	tel.LogBehaviorEnd("UT", nil)
	tel.LogBehaviorStart("CP", nil)
	tel.LogBehaviorEnd("CP", models.Data{"chars_typed": len(code)})
	tel.LogBehavior("SV", nil, models.Data{"file": "mean.py"})

	tel.LogCodeOperation(models.CodeOperationInput{
		OperationType: "run",
		Code:          code,
		Success:       false,
		ErrorMessage:  "ZeroDivisionError: division by zero",
		ExecutionTime: models.Float(0.04),
	})
	tel.LogErrorAnalysis(models.ErrorAnalysisInput{
		ErrorType:    "ZeroDivisionError",
		ErrorLine:    2,
		ErrorMessage: "division by zero",
		FixAttempts:  1,
	})
	tel.LogBehavior("VE", nil, nil)

	answer := "def mean(xs):\n    if not xs:\n        return 0\n    return sum(xs) / len(xs)\n"
	tel.LogBehavior("PCM", nil, models.Data{"message": "ZeroDivisionError: division by zero"})
	tel.LogAIInteraction(models.AIInteractionInput{
		InteractionType: "question",
		Question:        "Why does mean([]) raise ZeroDivisionError?",
		Response:        "An empty list has length 0. Guard against it:\n" + answer,
		ResponseTime:    models.Float(1.8),
		FeedbackQuality: "helpful",
	})
	tel.LogBehavior("CAC", nil, nil)
	tel.RecordClipboard(telemetry.ClipboardAI, answer)
	tel.PasteIntoEditor(models.Data{"chars": len(answer)})

	tel.LogCodeOperation(models.CodeOperationInput{
		OperationType: "run",
		Code:          answer + "\nprint(mean([]))\n",
		Success:       true,
		ExecutionTime: models.Float(0.03),
	})
	tel.LogErrorAnalysis(models.ErrorAnalysisInput{
		ErrorType:    "ZeroDivisionError",
		ErrorLine:    2,
		ErrorMessage: "division by zero",
		FixAttempts:  2,
		FixSuccess:   true,
	})
	tel.LogBehavior("VO", nil, nil)
}

// printCounters prints every non-zero pipeline counter.
func printCounters(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var lines []string
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() == nil || metric.GetCounter().GetValue() == 0 {
				continue
			}
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("  %-55s %.0f", name, metric.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)

	fmt.Fprintf(w, "\nPipeline counters:\n")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}
