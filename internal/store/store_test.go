package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTables = []string{
	"intersections", "signals", "timing_plans", "traffic_samples", "signal_events",
	"optimization_runs", "emergencies", "green_waves", "settings", "users", "devices",
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalflow.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should exist")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalflow.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range allTables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q missing after reopen", table)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/signalflow.db")
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.name, tt.expected))
		})
	}
}

func TestPing(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestBackup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertIntersection(ctx, testIntersection("int-001")))

	target := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, s.Backup(ctx, target))

	copyStore, err := Open(target)
	require.NoError(t, err)
	defer copyStore.Close()

	in, err := copyStore.GetIntersection(ctx, "int-001")
	require.NoError(t, err)
	assert.Equal(t, "int-001", in.ID)
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalflow.db")

	// Build a database that has the tables but has never been migrated
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
	assert.Contains(t, getTableIndexes(t, s.db, "emergencies"), "idx_emergencies_open")
}

func TestConstraint_SignalCascadeOnIntersectionDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertIntersection(ctx, testIntersection("int-001")))

	_, err := s.db.Exec("DELETE FROM intersections WHERE id = ?", "int-001")
	require.NoError(t, err)

	signals, err := s.ListSignals(ctx, "int-001")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestConstraint_EmergencyPriorityRange(t *testing.T) {
	s := createTestStore(t)
	_, err := s.db.Exec(`
		INSERT INTO emergencies (id, intersection_id, approach, vehicle_type, eta_seconds, priority_level, created_at, expires_at)
		VALUES ('e1', 'int-001', 'north', 'emergency', 30, 5, 0, 0)
	`)
	assert.Error(t, err, "priority_level 5 must violate the CHECK constraint")
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	require.NoError(t, err)
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes = append(indexes, name)
	}
	return indexes
}
