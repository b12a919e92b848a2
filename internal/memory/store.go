package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
)

// SQLiteStore implements domain.Storage using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.Storage = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and applies pending
// migrations. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

const (
	conversationColumns = "id, title, channel, chat_id, created_at, updated_at"
	messageColumns      = "id, conversation_id, role, content, tokens_in, tokens_out, latency_ms, created_at"

	defaultListLimit    = 20
	defaultMessageLimit = 100
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (domain.Conversation, error) {
	var c domain.Conversation
	err := r.Scan(&c.ID, &c.Title, &c.Channel, &c.ChatID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanMessage(r rowScanner) (domain.MessageRecord, error) {
	var (
		m       domain.MessageRecord
		content sql.NullString
	)
	err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &m.TokensIn, &m.TokensOut, &m.LatencyMs, &m.CreatedAt)
	m.Content = content.String
	return m, err
}

// CreateConversation inserts conv unless its id is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations ("+conversationColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		conv.ID, conv.Title, conv.Channel, conv.ChatID, conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &c, nil
}

// ListConversations returns the most recently active conversations first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations ORDER BY updated_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
			return fmt.Errorf("delete messages of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
		return nil
	})
	if err == nil {
		s.logger.Debug("conversation deleted", "conversation", id)
	}
	return err
}

// AddMessage appends msg and marks the conversation as active in one
// transaction.
func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, role, content, tokens_in, tokens_out, latency_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			convID, msg.Role, msg.Content, msg.TokensIn, msg.TokensOut, msg.LatencyMs, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("add message to %s: %w", convID, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, convID); err != nil {
			return fmt.Errorf("touch conversation %s: %w", convID, err)
		}
		return nil
	})
}

// GetMessages returns the newest limit messages, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at, id`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages of %s: %w", convID, err)
	}
	defer rows.Close()

	var out []domain.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns how many messages the conversation holds.
func (s *SQLiteStore) CountMessages(ctx context.Context, convID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", convID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", convID, err)
	}
	return n, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return SchemaVersion(ctx, s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
