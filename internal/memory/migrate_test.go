package memory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestMigrate_FreshDB(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, Migrate(ctx, db, testLogger()))

	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
	assert.Equal(t, schemaVersion, migrations[len(migrations)-1].version, "schemaVersion tracks the last migration")
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, Migrate(ctx, db, testLogger()))
	require.NoError(t, Migrate(ctx, db, testLogger()))

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestMigrate_CreatesExpectedSchema(t *testing.T) {
	db := testDB(t)
	require.NoError(t, Migrate(context.Background(), db, testLogger()))

	for _, table := range []string{"conversations", "messages", "schema_version"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	_, err := db.Exec("INSERT INTO conversations (id) VALUES ('c1')")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO messages (conversation_id, role, content, latency_ms) VALUES ('c1', 'user', 'hi', 12)")
	assert.NoError(t, err, "v2 column is present")
}

// A database that already has the v2 column but no v2 record must still
// upgrade cleanly.
func TestMigrate_UpgradeWithExistingColumn(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, apply(ctx, db, migrations[0], testLogger()))
	_, err := db.Exec(`ALTER TABLE messages ADD COLUMN latency_ms INTEGER DEFAULT 0`)
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, db, testLogger()))
	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestMigrate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Migrate(ctx, testDB(t), testLogger())
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSchemaVersion_NoTable(t *testing.T) {
	version, err := SchemaVersion(context.Background(), testDB(t))
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestAlreadyApplied(t *testing.T) {
	assert.True(t, alreadyApplied(errors.New("SQL logic error: duplicate column name: latency_ms")))
	assert.True(t, alreadyApplied(errors.New("index idx_x already exists")))
	assert.False(t, alreadyApplied(errors.New("no such table: messages")))
}
