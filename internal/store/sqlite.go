package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/cortana/internal/domain"
	"github.com/ashureev/cortana/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row to change does not exist.
var ErrNotFound = errors.New("not found")

const defaultListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes conversation writes to prevent SQLITE_BUSY.
	writeMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		container_id TEXT,
		last_seen_at INTEGER NOT NULL,
		volume_path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_last_seen ON users(last_seen_at) WHERE container_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		level TEXT,
		step INTEGER NOT NULL DEFAULT 0,
		messages_json TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, container_id,
		       last_seen_at, volume_path, created_at, updated_at
		FROM users WHERE user_id = ?`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, container_id, last_seen_at, volume_path, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var containerID any
	if user.ContainerID != "" {
		containerID = user.ContainerID
	}

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, containerID,
		user.LastSeenAt.Unix(), user.VolumePath,
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// UpdateContainerID updates the playground container_id for a user.
func (s *SQLiteStore) UpdateContainerID(ctx context.Context, userID string, containerID string, expectedID string) error {
	query := `UPDATE users SET container_id = ?, updated_at = ? WHERE user_id = ?`
	args := []any{nil, time.Now().Unix(), userID}

	if containerID != "" {
		args[0] = containerID
	}

	if expectedID != "" {
		query += ` AND container_id = ?`
		args = append(args, expectedID)
	}

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update container_id: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateContainerID affected 0 rows", "user_id", userID, "expected_id", expectedID)
			if expectedID != "" {
				return fmt.Errorf("optimistic lock failed: container_id does not match expected_id")
			}
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil
	})
}

// GetExpiredSessions retrieves users whose playgrounds have exceeded the inactivity TTL.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.User, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, username, container_id,
		       last_seen_at, volume_path, created_at, updated_at
		FROM users WHERE container_id IS NOT NULL AND last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}

	return users, nil
}

// UpsertConversation creates or replaces an archived conversation. The
// original created_at survives updates.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.Conversation) error {
	messagesJSON, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := conv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO conversations (
			id, user_id, session_id, title, level, step,
			messages_json, message_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			title = excluded.title,
			level = excluded.level,
			step = excluded.step,
			messages_json = excluded.messages_json,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
		WHERE conversations.user_id = excluded.user_id`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.UserID, conv.SessionID, conv.Title, conv.Level, conv.Step,
			string(messagesJSON), len(conv.Messages),
			createdAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation returns a user's conversation, or nil if it does not exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, user_id, session_id, title, level, step,
		       messages_json, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?`

	var conv domain.Conversation
	var level sql.NullString
	var messagesJSON string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id, userID).Scan(
		&conv.ID, &conv.UserID, &conv.SessionID, &conv.Title, &level, &conv.Step,
		&messagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal conversation %s messages: %w", id, err)
	}
	conv.Level = level.String
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

// ListConversations returns a user's conversations, most recently updated
// first. A non-positive limit uses the default.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, title, level, message_count, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC, id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var sum domain.ConversationSummary
		var level sql.NullString
		var updatedAt int64
		if err := rows.Scan(&sum.ID, &sum.Title, &level, &sum.MessageCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		sum.Level = level.String
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a user's conversation. It returns ErrNotFound
// when nothing was deleted.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CleanupExpiredConversations removes conversations not updated within ttl.
func (s *SQLiteStore) CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup expired conversations: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var user domain.User
	var containerID sql.NullString
	var lastSeen, createdAt, updatedAt int64

	if err := row.Scan(
		&user.UserID, &user.Username, &containerID,
		&lastSeen, &user.VolumePath, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	user.ContainerID = containerID.String
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

var _ Repository = (*SQLiteStore)(nil)
