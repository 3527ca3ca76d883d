package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oochihiro/pychatcat/internal/filelock"
	"github.com/oochihiro/pychatcat/internal/models"
)

// ExportData collects every table's rows for one session, or for all
// sessions when id is nil, into a single document.
func (s *Store) ExportData(ctx context.Context, id *models.SessionID) (*models.Export, error) {
	doc := &models.Export{
		ExportTime: s.now().UTC(),
		SessionID:  id,
	}

	where := ""
	var args []any
	if id != nil {
		where = ` WHERE session_id = ?`
		args = append(args, string(*id))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions`+where+` ORDER BY start_time ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("export sessions: %w", err)
	}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		doc.Data.Sessions = append(doc.Data.Sessions, *sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export sessions: %w", err)
	}

	if doc.Data.Behaviors, err = s.queryBehaviors(ctx, `SELECT `+behaviorColumns+` FROM behaviors`+where+` ORDER BY id ASC`, args...); err != nil {
		return nil, err
	}
	if doc.Data.CodeOperations, err = s.queryCodeOperations(ctx, where, args...); err != nil {
		return nil, err
	}
	if doc.Data.AIInteractions, err = s.queryAIInteractions(ctx, where, args...); err != nil {
		return nil, err
	}
	if doc.Data.Errors, err = s.queryErrors(ctx, where, args...); err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteExport writes doc as indented JSON to path. The file is replaced
// atomically under a sibling lock file.
func WriteExport(doc *models.Export, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	return filelock.LockAndWrite(path, append(data, '\n'))
}

// WriteExportCSV writes one <table>.csv file per table of doc into dir and
// returns the paths written.
func WriteExportCSV(doc *models.Export, dir string) ([]string, error) {
	tables := []struct {
		name string
		rows [][]string
	}{
		{TableSessions, sessionRecords(doc.Data.Sessions)},
		{TableBehaviors, behaviorRecords(doc.Data.Behaviors)},
		{TableCodeOperations, codeOperationRecords(doc.Data.CodeOperations)},
		{TableAIInteractions, aiInteractionRecords(doc.Data.AIInteractions)},
		{TableErrors, errorRecords(doc.Data.Errors)},
	}

	var written []string
	for _, t := range tables {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.WriteAll(t.rows); err != nil {
			return written, fmt.Errorf("encode %s csv: %w", t.name, err)
		}
		path := filepath.Join(dir, t.name+".csv")
		if err := filelock.LockAndWrite(path, buf.Bytes()); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func formatData(d models.Data) string {
	s, err := d.Encode()
	if err != nil {
		return "{}"
	}
	return s
}

func sessionRecords(rows []models.Session) [][]string {
	out := [][]string{{"session_id", "user_id", "device_label", "start_time", "end_time", "total_activities"}}
	for _, r := range rows {
		end := ""
		if r.EndTime != nil {
			end = formatTime(*r.EndTime)
		}
		out = append(out, []string{string(r.SessionID), r.UserID, r.DeviceLabel, formatTime(r.StartTime), end, strconv.Itoa(r.TotalActivities)})
	}
	return out
}

func behaviorRecords(rows []models.BehaviorEvent) [][]string {
	out := [][]string{{"id", "session_id", "user_id", "behavior_code", "activity_name", "category", "description", "timestamp", "duration", "additional_data"}}
	for _, r := range rows {
		out = append(out, []string{
			strconv.FormatInt(r.ID, 10), string(r.SessionID), r.UserID, string(r.BehaviorCode), r.ActivityName,
			r.Category, r.Description, formatTime(r.Timestamp), formatFloat(r.Duration), formatData(r.AdditionalData),
		})
	}
	return out
}

func codeOperationRecords(rows []models.CodeOperation) [][]string {
	out := [][]string{{"id", "session_id", "user_id", "operation_type", "code_length", "line_count", "success", "error_message", "execution_time", "timestamp", "additional_data"}}
	for _, r := range rows {
		out = append(out, []string{
			strconv.FormatInt(r.ID, 10), string(r.SessionID), r.UserID, r.OperationType, strconv.Itoa(r.CodeLength),
			strconv.Itoa(r.LineCount), strconv.FormatBool(r.Success), r.ErrorMessage, formatFloat(r.ExecutionTime),
			formatTime(r.Timestamp), formatData(r.AdditionalData),
		})
	}
	return out
}

func aiInteractionRecords(rows []models.AIInteraction) [][]string {
	out := [][]string{{"id", "session_id", "user_id", "interaction_type", "question_length", "response_length", "response_time", "feedback_quality", "timestamp", "additional_data"}}
	for _, r := range rows {
		out = append(out, []string{
			strconv.FormatInt(r.ID, 10), string(r.SessionID), r.UserID, r.InteractionType, strconv.Itoa(r.QuestionLength),
			strconv.Itoa(r.ResponseLength), formatFloat(r.ResponseTime), r.FeedbackQuality,
			formatTime(r.Timestamp), formatData(r.AdditionalData),
		})
	}
	return out
}

func errorRecords(rows []models.ErrorAnalysis) [][]string {
	out := [][]string{{"id", "session_id", "user_id", "error_type", "error_line", "error_message", "fix_attempts", "fix_success", "timestamp", "additional_data"}}
	for _, r := range rows {
		out = append(out, []string{
			strconv.FormatInt(r.ID, 10), string(r.SessionID), r.UserID, r.ErrorType, strconv.Itoa(r.ErrorLine),
			r.ErrorMessage, strconv.Itoa(r.FixAttempts), strconv.FormatBool(r.FixSuccess),
			formatTime(r.Timestamp), formatData(r.AdditionalData),
		})
	}
	return out
}
