package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations_RecordsVersions(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	latest, err := store.GetLatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, latest)

	// A second run applies nothing new.
	require.NoError(t, store.ApplyMigrations(ctx))
	versions, err := store.GetAppliedVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, len(migrations))
	for i, v := range versions {
		assert.Equal(t, migrations[i].Version, v.Version)
		assert.False(t, v.AppliedAt.IsZero())
	}
}

func TestApplyMigrations_CreatesTablesAndIndexes(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{TableSessions, TableBehaviors, TableCodeOperations, TableAIInteractions, TableErrors} {
		var name string
		err := store.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	for _, index := range []string{"idx_behaviors_session_id", "idx_behaviors_timestamp", "idx_behaviors_code"} {
		var name string
		err := store.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, index).Scan(&name)
		require.NoError(t, err, index)
	}
}
