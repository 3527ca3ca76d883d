// Package analytics is the local event store: a single-writer SQLite
// database holding sessions and the four event tables, plus the read and
// aggregate queries used for reporting.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/patrickmn/go-cache"

	"github.com/oochihiro/pychatcat/internal/filelock"
	"github.com/oochihiro/pychatcat/internal/logger"
	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/session"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

var (
	// ErrUnknownCode is returned when a behavior code is not in the taxonomy.
	ErrUnknownCode = errors.New("unknown behavior code")

	// ErrSessionNotFound is returned by reads for a session id with no row.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreLocked is returned by NewStore when WithExclusive is set and
	// another process already holds the store.
	ErrStoreLocked = errors.New("store is in use by another process")
)

// Store manages the SQLite database for learning analytics.
//
// Writes are serialized by writeMu for their whole duration because SQLite
// allows a single writer. Reads take no lock and may observe a view that
// trails in-flight writes.
type Store struct {
	db      *sql.DB
	dbPath  string
	writeMu sync.Mutex

	log       logger.Logger
	now       func() time.Time
	users     *cache.Cache
	exclusive bool
	guard     *filelock.FileLock
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the diagnostic logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = logger.OrNoOp(l) }
}

// WithClock replaces the wall clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExclusive makes NewStore take a non-blocking lock on <path>.lock so
// a second recording process fails fast instead of contending for writes.
// Report readers should not set it.
func WithExclusive() Option {
	return func(s *Store) { s.exclusive = true }
}

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		dbPath: dbPath,
		log:    logger.NewNoOpLogger(),
		now:    time.Now,
		users:  cache.New(10*time.Minute, 20*time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		if s.exclusive {
			guard, err := filelock.Acquire(dbPath + ".lock")
			if err != nil {
				if errors.Is(err, filelock.ErrHeld) {
					return nil, fmt.Errorf("%w: %s", ErrStoreLocked, dbPath)
				}
				return nil, err
			}
			s.guard = guard
		}
	}

	if err := s.open(); err != nil {
		s.releaseGuard()
		return nil, err
	}
	return s, nil
}

// open opens the database connection and initializes schema
func (s *Store) open() error {
	db, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if s.dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout first so the remaining pragmas wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s.db = db
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection and releases the process guard.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	s.releaseGuard()
	return err
}

func (s *Store) releaseGuard() {
	if s.guard != nil {
		s.guard.Unlock()
		s.guard = nil
	}
}

// QueryRows executes a query that returns multiple rows
func (s *Store) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// StartSession inserts or replaces the session row keyed by id, so starting
// twice with the same id leaves one row. An empty id is derived from the
// clock and userID; an empty device label becomes the default sentinel.
func (s *Store) StartSession(ctx context.Context, userID, deviceLabel string, id models.SessionID) (models.SessionID, error) {
	now := s.now().UTC()
	if userID == "" {
		userID = models.AnonymousUser
	}
	if deviceLabel == "" {
		deviceLabel = models.DefaultDeviceLabel
	}
	if id == "" {
		id = session.NewID(now, userID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(session_id, user_id, device_label, start_time, end_time, total_activities)
		VALUES (?, ?, ?, ?, NULL, 0)`,
		string(id), userID, deviceLabel, now)
	if err != nil {
		return id, fmt.Errorf("start session %s: %w", id, err)
	}
	s.users.SetDefault(string(id), userID)
	s.log.LogDebug(fmt.Sprintf("started session %s for %s", id, userID))
	return id, nil
}

// EndSession stamps end_time and snapshots total_activities as the number
// of behavior rows recorded for the session. A session is ended once; later
// calls leave the row unchanged.
func (s *Store) EndSession(ctx context.Context, id models.SessionID) error {
	now := s.now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions
		SET end_time = ?,
		    total_activities = (SELECT COUNT(*) FROM behaviors WHERE session_id = ?)
		WHERE session_id = ? AND end_time IS NULL`,
		now, string(id), string(id))
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.LogWarn(fmt.Sprintf("end session %s: no open session", id))
	}
	return nil
}

// userFor resolves the user of a session, falling back to the anonymous
// user when the session is unknown. Callers hold writeMu.
func (s *Store) userFor(ctx context.Context, id models.SessionID) string {
	if v, ok := s.users.Get(string(id)); ok {
		return v.(string)
	}
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE session_id = ?`, string(id)).Scan(&userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.LogWarn(fmt.Sprintf("resolve user for session %s: %v", id, err))
		}
		return models.AnonymousUser
	}
	s.users.SetDefault(string(id), userID)
	return userID
}

// LogBehavior appends one behavior row with the taxonomy entry copied in.
// Unknown codes are rejected with ErrUnknownCode and write nothing.
func (s *Store) LogBehavior(ctx context.Context, id models.SessionID, code taxonomy.Code, duration *float64, data models.Data) error {
	entry, ok := taxonomy.Classify(code)
	if !ok {
		s.log.LogWarn(fmt.Sprintf("unknown behavior code %q, event dropped", code))
		return fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	if data == nil {
		data = models.Data{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO behaviors
		(session_id, user_id, behavior_code, activity_name, category, description, timestamp, duration, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), s.userFor(ctx, id), string(entry.Code), entry.ActivityName, entry.Category, entry.Description,
		s.now().UTC(), duration, data)
	if err != nil {
		return fmt.Errorf("log behavior %s: %w", code, err)
	}
	return nil
}

// LogCodeOperation appends one code_operations row. A preview of the code
// and the operation type are merged under the caller's additional data.
func (s *Store) LogCodeOperation(ctx context.Context, id models.SessionID, in models.CodeOperationInput) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("log code operation: %w", err)
	}
	data := models.Merge(models.Data{
		"code_preview":   Preview(in.Code),
		"operation_type": in.OperationType,
	}, in.Data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO code_operations
		(session_id, user_id, operation_type, code_length, line_count, success, error_message, execution_time, timestamp, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), s.userFor(ctx, id), in.OperationType, len(in.Code), LineCount(in.Code), in.Success,
		nullString(in.ErrorMessage), in.ExecutionTime, s.now().UTC(), data)
	if err != nil {
		return fmt.Errorf("log code operation %s: %w", in.OperationType, err)
	}
	return nil
}

// LogAIInteraction appends one ai_interactions row with question and
// response previews merged under the caller's additional data.
func (s *Store) LogAIInteraction(ctx context.Context, id models.SessionID, in models.AIInteractionInput) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("log ai interaction: %w", err)
	}
	data := models.Merge(models.Data{
		"question_preview": Preview(in.Question),
		"response_preview": Preview(in.Response),
		"interaction_type": in.InteractionType,
	}, in.Data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO ai_interactions
		(session_id, user_id, interaction_type, question_length, response_length, response_time, feedback_quality, timestamp, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), s.userFor(ctx, id), in.InteractionType, len(in.Question), len(in.Response),
		in.ResponseTime, nullString(in.FeedbackQuality), s.now().UTC(), data)
	if err != nil {
		return fmt.Errorf("log ai interaction %s: %w", in.InteractionType, err)
	}
	return nil
}

// LogErrorAnalysis appends one errors row.
func (s *Store) LogErrorAnalysis(ctx context.Context, id models.SessionID, in models.ErrorAnalysisInput) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("log error analysis: %w", err)
	}
	data := models.Merge(models.Data{
		"error_type":   in.ErrorType,
		"error_line":   in.ErrorLine,
		"fix_attempts": in.FixAttempts,
	}, in.Data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO errors
		(session_id, user_id, error_type, error_line, error_message, fix_attempts, fix_success, timestamp, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), s.userFor(ctx, id), in.ErrorType, in.ErrorLine, in.ErrorMessage,
		in.FixAttempts, in.FixSuccess, s.now().UTC(), data)
	if err != nil {
		return fmt.Errorf("log error analysis %s: %w", in.ErrorType, err)
	}
	return nil
}

// previewLimit is the number of characters kept by Preview.
const previewLimit = 100

// Preview returns the first 100 characters of s, with "..." appended when
// anything was cut.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return string(r[:previewLimit]) + "..."
}

// LineCount returns the number of lines in code; empty code has none.
func LineCount(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(code, "\n") + 1
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
