package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore persists transcripts in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens or creates the database at path. Parent directories
// are created if needed.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	log = logger.OrNop(log).Component("session_store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info("SQLite session store initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tools_used TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	msgs = withDefaults(msgs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, now, now,
	); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	for _, m := range msgs {
		var tools sql.NullString
		if len(m.ToolsUsed) > 0 {
			data, err := json.Marshal(m.ToolsUsed)
			if err != nil {
				return fmt.Errorf("encoding tools_used: %w", err)
			}
			tools = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, tools_used, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, m.Role, m.Content, tools, m.Timestamp.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tools_used, created_at FROM (
			SELECT seq, id, role, content, tools_used, created_at
			FROM messages WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess := &Session{ID: sessionID}
	if sess.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if sess.Messages, err = s.History(ctx, sessionID, 0); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m       Message
			tools   sql.NullString
			created string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &tools, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		ts, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		m.Timestamp = ts
		if tools.Valid {
			if err := json.Unmarshal([]byte(tools.String), &m.ToolsUsed); err != nil {
				return nil, fmt.Errorf("decoding tools_used: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
