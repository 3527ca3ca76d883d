package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/models"
)

// seedDB writes one ended session with a few events and returns the db path.
func seedDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "learning_analytics.db")
	store, err := analytics.NewStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.StartSession(ctx, "student1", "lab-pc", "session_1_student1")
	require.NoError(t, err)
	require.NoError(t, store.LogBehavior(ctx, "session_1_student1", "CP", models.Float(3), nil))
	require.NoError(t, store.LogBehavior(ctx, "session_1_student1", "CR", nil, nil))
	require.NoError(t, store.LogCodeOperation(ctx, "session_1_student1", models.CodeOperationInput{
		OperationType: "run", Code: "print(1)", Success: true, ExecutionTime: models.Float(0.2),
	}))
	require.NoError(t, store.LogAIInteraction(ctx, "session_1_student1", models.AIInteractionInput{
		InteractionType: "question", Question: "what is a list?", Response: "an ordered sequence",
	}))
	require.NoError(t, store.EndSession(ctx, "session_1_student1"))
	return dbPath
}

func TestSessionsCommand(t *testing.T) {
	dbPath := seedDB(t)

	out, err := execute(t, "sessions", "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "session_1_student1")
	assert.Contains(t, out, "student1")
}

func TestSessionsCommand_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	out, err := execute(t, "sessions", "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions recorded.")
}

func TestSessionsCommand_InvalidLimit(t *testing.T) {
	_, err := execute(t, "sessions", "--limit", "0", "--db-path", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid limit")
}

func TestStatsCommand(t *testing.T) {
	dbPath := seedDB(t)

	out, err := execute(t, "stats", "session_1_student1", "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Session session_1_student1 ===")
	assert.Contains(t, out, "Behaviors (2):")

	out, err = execute(t, "stats", "session_1_student1", "--format", "markdown", "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "# Session session_1_student1")
	assert.Contains(t, out, "| CP | Coding in Python |")

	out, err = execute(t, "stats", "session_1_student1", "--format", "html", "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "<table>")
}

func TestStatsCommand_Errors(t *testing.T) {
	dbPath := seedDB(t)

	_, err := execute(t, "stats", "missing", "--db-path", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session missing not found")

	_, err = execute(t, "stats", "session_1_student1", "--format", "pdf", "--db-path", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")

	_, err = execute(t, "stats", "--db-path", dbPath)
	require.Error(t, err)
}

func TestExportCommand_JSONStdout(t *testing.T) {
	dbPath := seedDB(t)

	out, err := execute(t, "export", "--db-path", dbPath)
	require.NoError(t, err)

	var doc models.Export
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Nil(t, doc.SessionID)
	assert.Len(t, doc.Data.Sessions, 1)
	assert.Len(t, doc.Data.Behaviors, 2)
	assert.Len(t, doc.Data.CodeOperations, 1)
	assert.Len(t, doc.Data.AIInteractions, 1)
}

func TestExportCommand_JSONFile(t *testing.T) {
	dbPath := seedDB(t)
	output := filepath.Join(t.TempDir(), "out", "export.json")

	out, err := execute(t, "export", "--session", "session_1_student1", "--output", output, "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 5 rows")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var doc models.Export
	require.NoError(t, json.Unmarshal(data, &doc))
	require.NotNil(t, doc.SessionID)
	assert.Equal(t, models.SessionID("session_1_student1"), *doc.SessionID)
}

func TestExportCommand_CSV(t *testing.T) {
	dbPath := seedDB(t)
	dir := t.TempDir()

	out, err := execute(t, "export", "--format", "csv", "--output", dir, "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 5 rows")
	assert.FileExists(t, filepath.Join(dir, "behaviors.csv"))
	assert.FileExists(t, filepath.Join(dir, "sessions.csv"))
}

func TestExportCommand_Errors(t *testing.T) {
	dbPath := seedDB(t)

	_, err := execute(t, "export", "--format", "xml", "--db-path", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")

	_, err = execute(t, "export", "--format", "csv", "--db-path", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires --output")
}
