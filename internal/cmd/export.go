package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/models"
)

func newExportCommand() *cobra.Command {
	var format string
	var output string
	var sessionID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded telemetry to JSON or CSV",
		Long: `Export recorded telemetry for external analysis or backup.

Without --session every session is exported.

Supported formats:
  - json: one document holding every table; written to stdout unless
    --output names a file
  - csv: one <table>.csv file per table, written into the --output directory`,
		Example: `  pychatcat export --output export.json
  pychatcat export --session session_1714989600_u1 --format json
  pychatcat export --format csv --output ./export`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("invalid format '%s': format must be 'json' or 'csv'", format)
			}
			if format == "csv" && output == "" {
				return fmt.Errorf("csv export requires --output directory")
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var id *models.SessionID
			if sessionID != "" {
				sid := models.SessionID(sessionID)
				id = &sid
			}
			doc, err := store.ExportData(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to export data: %w", err)
			}

			return runExport(cmd.OutOrStdout(), doc, format, output)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Export format (json|csv)")
	cmd.Flags().StringVar(&output, "output", "", "Output file (json) or directory (csv); stdout if not specified")
	cmd.Flags().StringVar(&sessionID, "session", "", "Export only this session")

	return cmd
}

func runExport(w io.Writer, doc *models.Export, format, output string) error {
	switch format {
	case "json":
		if output == "" {
			encoder := json.NewEncoder(w)
			encoder.SetIndent("", "  ")
			return encoder.Encode(doc)
		}
		if err := analytics.WriteExport(doc, output); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Fprintf(w, "Exported %d rows to %s\n", doc.Data.RowCount(), output)
	case "csv":
		files, err := analytics.WriteExportCSV(doc, output)
		if err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Fprintf(w, "Exported %d rows to %d files in %s\n", doc.Data.RowCount(), len(files), output)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
	return nil
}
