package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the version a fully migrated database reports.
const schemaVersion = 2

// migration is one schema step. Statements run in order inside one
// transaction.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "conversations and messages",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id          TEXT PRIMARY KEY,
				title       TEXT DEFAULT '',
				channel     TEXT DEFAULT '',
				chat_id     TEXT DEFAULT '',
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				role            TEXT NOT NULL,
				content         TEXT,
				tokens_in       INTEGER DEFAULT 0,
				tokens_out      INTEGER DEFAULT 0,
				created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at)`,
		},
	},
	{
		version:     2,
		description: "reply latency, conversation lookup by chat",
		statements: []string{
			`ALTER TABLE messages ADD COLUMN latency_ms INTEGER DEFAULT 0`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(channel, chat_id)`,
		},
	},
}

// alreadyApplied reports errors that mean a statement's effect is present,
// as happens when a database was patched by hand before upgrading.
func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Migrate brings db up to schemaVersion. Applied versions are recorded in
// the schema_version table.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m, logger); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.version, "description", m.description)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for i, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if alreadyApplied(err) {
				logger.Debug("migration statement already applied", "version", m.version, "statement", i)
				continue
			}
			return fmt.Errorf("migration v%d statement %d: %w", m.version, i, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.version, m.description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
