package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// Table names of the event store.
const (
	TableSessions       = "sessions"
	TableBehaviors      = "behaviors"
	TableCodeOperations = "code_operations"
	TableAIInteractions = "ai_interactions"
	TableErrors         = "errors"
)

var knownTables = map[string]bool{
	TableSessions:       true,
	TableBehaviors:      true,
	TableCodeOperations: true,
	TableAIInteractions: true,
	TableErrors:         true,
}

const sessionColumns = `session_id, user_id, device_label, start_time, end_time, total_activities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess models.Session
		id   string
		end  sql.NullTime
	)
	if err := row.Scan(&id, &sess.UserID, &sess.DeviceLabel, &sess.StartTime, &end, &sess.TotalActivities); err != nil {
		return nil, err
	}
	sess.SessionID = models.SessionID(id)
	if end.Valid {
		t := end.Time
		sess.EndTime = &t
	}
	return &sess, nil
}

// GetSession returns the session row for id, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id models.SessionID) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, string(id))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns the most recently started sessions first.
// A non-positive limit returns every session.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY start_time DESC, session_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CountRows counts the rows of table, restricted to one session when id is
// not empty.
func (s *Store) CountRows(ctx context.Context, table string, id models.SessionID) (int, error) {
	if !knownTables[table] {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	var args []any
	if id != "" {
		query += ` WHERE session_id = ?`
		args = append(args, string(id))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// GetSessionStats aggregates the rows recorded for one session.
func (s *Store) GetSessionStats(ctx context.Context, id models.SessionID) (*models.SessionStats, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &models.SessionStats{
		Session:        sess,
		BehaviorCounts: make(map[taxonomy.Code]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT behavior_code, COUNT(*) FROM behaviors
		WHERE session_id = ? GROUP BY behavior_code`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query behavior counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			code string
			n    int
		)
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan behavior count: %w", err)
		}
		stats.BehaviorCounts[taxonomy.Code(code)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate behavior counts: %w", err)
	}

	var avgExec sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0), AVG(execution_time)
		FROM code_operations WHERE session_id = ?`, string(id)).
		Scan(&stats.Code.TotalOperations, &stats.Code.SuccessfulOperations, &avgExec)
	if err != nil {
		return nil, fmt.Errorf("query code stats: %w", err)
	}
	stats.Code.AvgExecutionTime = floatPtr(avgExec)

	var avgResp, avgQLen sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(response_time), AVG(question_length)
		FROM ai_interactions WHERE session_id = ?`, string(id)).
		Scan(&stats.AI.TotalInteractions, &avgResp, &avgQLen)
	if err != nil {
		return nil, fmt.Errorf("query ai stats: %w", err)
	}
	stats.AI.AvgResponseTime = floatPtr(avgResp)
	stats.AI.AvgQuestionLength = floatPtr(avgQLen)

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN fix_success THEN 1 ELSE 0 END), 0)
		FROM errors WHERE session_id = ?`, string(id)).
		Scan(&stats.Errors.TotalErrors, &stats.Errors.FixedErrors)
	if err != nil {
		return nil, fmt.Errorf("query error stats: %w", err)
	}

	return stats, nil
}

// BehaviorsSince returns behavior rows with id greater than afterID in
// insertion order, at most limit of them when limit is positive.
func (s *Store) BehaviorsSince(ctx context.Context, afterID int64, limit int) ([]models.BehaviorEvent, error) {
	query := `SELECT ` + behaviorColumns + ` FROM behaviors WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryBehaviors(ctx, query, args...)
}

const behaviorColumns = `id, session_id, user_id, behavior_code, activity_name, category, description, timestamp, duration, additional_data`

func (s *Store) queryBehaviors(ctx context.Context, query string, args ...any) ([]models.BehaviorEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query behaviors: %w", err)
	}
	defer rows.Close()

	var out []models.BehaviorEvent
	for rows.Next() {
		var (
			ev       models.BehaviorEvent
			sid      string
			code     string
			duration sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &sid, &ev.UserID, &code, &ev.ActivityName, &ev.Category,
			&ev.Description, &ev.Timestamp, &duration, &ev.AdditionalData); err != nil {
			return nil, fmt.Errorf("scan behavior: %w", err)
		}
		ev.SessionID = models.SessionID(sid)
		ev.BehaviorCode = taxonomy.Code(code)
		ev.Duration = floatPtr(duration)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) queryCodeOperations(ctx context.Context, where string, args ...any) ([]models.CodeOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, operation_type, code_length, line_count,
		success, error_message, execution_time, timestamp, additional_data
		FROM code_operations`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query code operations: %w", err)
	}
	defer rows.Close()

	var out []models.CodeOperation
	for rows.Next() {
		var (
			op      models.CodeOperation
			sid     string
			errMsg  sql.NullString
			runtime sql.NullFloat64
		)
		if err := rows.Scan(&op.ID, &sid, &op.UserID, &op.OperationType, &op.CodeLength, &op.LineCount,
			&op.Success, &errMsg, &runtime, &op.Timestamp, &op.AdditionalData); err != nil {
			return nil, fmt.Errorf("scan code operation: %w", err)
		}
		op.SessionID = models.SessionID(sid)
		op.ErrorMessage = errMsg.String
		op.ExecutionTime = floatPtr(runtime)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) queryAIInteractions(ctx context.Context, where string, args ...any) ([]models.AIInteraction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, interaction_type, question_length,
		response_length, response_time, feedback_quality, timestamp, additional_data
		FROM ai_interactions`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query ai interactions: %w", err)
	}
	defer rows.Close()

	var out []models.AIInteraction
	for rows.Next() {
		var (
			ai       models.AIInteraction
			sid      string
			respTime sql.NullFloat64
			quality  sql.NullString
		)
		if err := rows.Scan(&ai.ID, &sid, &ai.UserID, &ai.InteractionType, &ai.QuestionLength,
			&ai.ResponseLength, &respTime, &quality, &ai.Timestamp, &ai.AdditionalData); err != nil {
			return nil, fmt.Errorf("scan ai interaction: %w", err)
		}
		ai.SessionID = models.SessionID(sid)
		ai.ResponseTime = floatPtr(respTime)
		ai.FeedbackQuality = quality.String
		out = append(out, ai)
	}
	return out, rows.Err()
}

func (s *Store) queryErrors(ctx context.Context, where string, args ...any) ([]models.ErrorAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, error_type, error_line, error_message,
		fix_attempts, fix_success, timestamp, additional_data
		FROM errors`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var out []models.ErrorAnalysis
	for rows.Next() {
		var (
			e      models.ErrorAnalysis
			sid    string
			line   sql.NullInt64
			errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &sid, &e.UserID, &e.ErrorType, &line, &errMsg,
			&e.FixAttempts, &e.FixSuccess, &e.Timestamp, &e.AdditionalData); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		e.SessionID = models.SessionID(sid)
		e.ErrorLine = int(line.Int64)
		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
