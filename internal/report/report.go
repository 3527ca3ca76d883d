// Package report renders session statistics for the reporting commands.
package report

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// Formats accepted by Render.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Render writes stats to w in format.
func Render(w io.Writer, stats *models.SessionStats, format string) error {
	switch format {
	case FormatText, "":
		Text(w, stats)
		return nil
	case FormatMarkdown:
		_, err := io.WriteString(w, Markdown(stats))
		return err
	case FormatHTML:
		out, err := HTML(stats)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}
	return fmt.Errorf("invalid format '%s': format must be 'text', 'markdown' or 'html'", format)
}

type behaviorRow struct {
	entry taxonomy.Entry
	count int
}

// sortedBehaviors orders behavior counts by count, then code.
func sortedBehaviors(counts map[taxonomy.Code]int) []behaviorRow {
	rows := make([]behaviorRow, 0, len(counts))
	for code, n := range counts {
		entry, ok := taxonomy.Classify(code)
		if !ok {
			entry = taxonomy.Entry{Code: code, ActivityName: string(code)}
		}
		rows = append(rows, behaviorRow{entry: entry, count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].entry.Code < rows[j].entry.Code
	})
	return rows
}

func sessionDuration(s *models.Session) string {
	if !s.Ended() {
		return "in progress"
	}
	return s.Duration().Round(time.Second).String()
}

func optionalSeconds(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2fs", *v)
}

// Text writes a colored terminal summary.
func Text(w io.Writer, stats *models.SessionStats) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	s := stats.Session
	cyan.Fprintf(w, "\n=== Session %s ===\n\n", s.SessionID)
	fmt.Fprintf(w, "  User: %s\n", s.UserID)
	fmt.Fprintf(w, "  Device: %s\n", s.DeviceLabel)
	fmt.Fprintf(w, "  Started: %s\n", s.StartTime.Format(time.RFC3339))
	fmt.Fprintf(w, "  Duration: %s\n", sessionDuration(s))

	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "Behaviors (%d):\n", stats.TotalBehaviors())
	for _, row := range sortedBehaviors(stats.BehaviorCounts) {
		fmt.Fprintf(w, "  %-4s %-28s %d\n", row.entry.Code, row.entry.ActivityName, row.count)
	}

	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "Code Operations:\n")
	fmt.Fprintf(w, "  Total: %d\n", stats.Code.TotalOperations)
	if stats.Code.TotalOperations > 0 {
		rate := stats.Code.SuccessRate() * 100
		fmt.Fprintf(w, "  Success rate: ")
		switch {
		case rate >= 70:
			green.Fprintf(w, "%.1f%%\n", rate)
		case rate >= 40:
			yellow.Fprintf(w, "%.1f%%\n", rate)
		default:
			red.Fprintf(w, "%.1f%%\n", rate)
		}
	}
	fmt.Fprintf(w, "  Average execution time: %s\n", optionalSeconds(stats.Code.AvgExecutionTime))

	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "AI Interactions:\n")
	fmt.Fprintf(w, "  Total: %d\n", stats.AI.TotalInteractions)
	fmt.Fprintf(w, "  Average response time: %s\n", optionalSeconds(stats.AI.AvgResponseTime))

	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "Errors:\n")
	fmt.Fprintf(w, "  Total: %d\n", stats.Errors.TotalErrors)
	fmt.Fprintf(w, "  Fixed: ")
	green.Fprintf(w, "%d\n", stats.Errors.FixedErrors)
}

// escapeCell keeps a value from breaking a Markdown table row.
func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// Markdown renders stats as a Markdown document.
func Markdown(stats *models.SessionStats) string {
	var b strings.Builder
	s := stats.Session

	fmt.Fprintf(&b, "# Session %s\n\n", escapeCell(string(s.SessionID)))
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| User | %s |\n", escapeCell(s.UserID))
	fmt.Fprintf(&b, "| Device | %s |\n", escapeCell(s.DeviceLabel))
	fmt.Fprintf(&b, "| Started | %s |\n", s.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "| Duration | %s |\n", sessionDuration(s))
	fmt.Fprintf(&b, "| Recorded activities | %d |\n\n", s.TotalActivities)

	fmt.Fprintf(&b, "## Behaviors\n\n")
	rows := sortedBehaviors(stats.BehaviorCounts)
	if len(rows) == 0 {
		b.WriteString("No behaviors recorded.\n\n")
	} else {
		b.WriteString("| Code | Activity | Category | Count |\n|---|---|---|---:|\n")
		for _, row := range rows {
			fmt.Fprintf(&b, "| %s | %s | %s | %d |\n",
				row.entry.Code, escapeCell(row.entry.ActivityName), escapeCell(row.entry.Category), row.count)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Code operations\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", stats.Code.TotalOperations)
	fmt.Fprintf(&b, "- Successful: %d (%.1f%%)\n", stats.Code.SuccessfulOperations, stats.Code.SuccessRate()*100)
	fmt.Fprintf(&b, "- Average execution time: %s\n\n", optionalSeconds(stats.Code.AvgExecutionTime))

	fmt.Fprintf(&b, "## AI interactions\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", stats.AI.TotalInteractions)
	fmt.Fprintf(&b, "- Average response time: %s\n", optionalSeconds(stats.AI.AvgResponseTime))
	if stats.AI.AvgQuestionLength != nil {
		fmt.Fprintf(&b, "- Average question length: %.0f characters\n", *stats.AI.AvgQuestionLength)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Errors\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", stats.Errors.TotalErrors)
	fmt.Fprintf(&b, "- Fixed: %d\n", stats.Errors.FixedErrors)
	return b.String()
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// HTML renders the Markdown report as a standalone HTML page.
func HTML(stats *models.SessionStats) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(stats)), &body); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	title := html.EscapeString("Session " + string(stats.Session.SessionID))
	return fmt.Sprintf("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n%s</body>\n</html>\n",
		title, body.String()), nil
}
