// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/cortana/internal/domain"
)

// Repository defines the interface for persisting learners, their
// playground containers and archived conversations.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpdateContainerID updates the playground container_id for a user.
	// If expectedID is non-empty, the update will only happen if the current
	// container_id matches expectedID (optimistic locking).
	UpdateContainerID(ctx context.Context, userID string, containerID string, expectedID string) error

	// GetExpiredSessions retrieves users whose playgrounds have exceeded the inactivity TTL.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.User, error)

	// UpsertConversation creates or replaces an archived conversation.
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation returns a user's conversation, or nil if it does not exist.
	GetConversation(ctx context.Context, userID, id string) (*domain.Conversation, error)

	// ListConversations returns a user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error)

	// DeleteConversation removes a user's conversation.
	DeleteConversation(ctx context.Context, userID, id string) error

	// CleanupExpiredConversations removes conversations not updated within ttl.
	CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
