package playground

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/cortana/internal/domain"
)

const defaultSweepInterval = 5 * time.Minute

// Sweeper is the persistence the TTL worker needs.
type Sweeper interface {
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.User, error)
	UpdateContainerID(ctx context.Context, userID string, containerID string, expectedID string) error
	CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)
}

// IdleEvicter forgets chat sessions nobody has used for a while.
type IdleEvicter interface {
	EvictIdle(ttl time.Duration) int
}

// TTLConfig configures StartTTLWorker.
type TTLConfig struct {
	Interval time.Duration
	// PlaygroundTTL is how long an idle playground survives.
	PlaygroundTTL time.Duration
	// SessionIdleTTL is how long an unused chat session stays in memory.
	SessionIdleTTL time.Duration
	// ConversationRetention is how long archived conversations are kept.
	// Zero keeps them forever.
	ConversationRetention time.Duration
}

// StartTTLWorker runs a background goroutine that periodically removes idle
// playgrounds, idle chat sessions and expired conversations. mgr and
// sessions may be nil.
func StartTTLWorker(ctx context.Context, store Sweeper, mgr Manager, sessions IdleEvicter, cfg TTLConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started",
			"interval", cfg.Interval,
			"playground_ttl", cfg.PlaygroundTTL,
			"session_idle_ttl", cfg.SessionIdleTTL)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, store, mgr, sessions, cfg)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one cleanup pass.
func Sweep(ctx context.Context, store Sweeper, mgr Manager, sessions IdleEvicter, cfg TTLConfig) {
	if mgr != nil && cfg.PlaygroundTTL > 0 {
		sweepPlaygrounds(ctx, store, mgr, cfg.PlaygroundTTL)
	}

	if sessions != nil && cfg.SessionIdleTTL > 0 {
		if n := sessions.EvictIdle(cfg.SessionIdleTTL); n > 0 {
			slog.Info("TTL worker evicted idle chat sessions", "count", n)
		}
	}

	if cfg.ConversationRetention <= 0 {
		return
	}
	if deleted, err := store.CleanupExpiredConversations(ctx, cfg.ConversationRetention); err != nil {
		slog.Error("TTL worker failed to cleanup expired conversations", "error", err)
	} else if deleted > 0 {
		slog.Info("TTL worker cleaned up expired conversations", "count", deleted)
	}
}

func sweepPlaygrounds(ctx context.Context, store Sweeper, mgr Manager, ttl time.Duration) {
	expiredUsers, err := store.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return
	}
	if len(expiredUsers) == 0 {
		return
	}

	slog.Info("TTL worker found expired playgrounds", "count", len(expiredUsers))

	for _, user := range expiredUsers {
		if err := mgr.StopContainer(ctx, user.ContainerID); err != nil {
			slog.Error("TTL worker failed to stop container",
				"error", err,
				"container_id", user.ContainerID,
				"user_id", user.UserID)
		}

		if err := clearContainerID(ctx, store, user.UserID, user.ContainerID); err != nil {
			slog.Warn("TTL worker failed to clear container ID after retries",
				"error", err,
				"user_id", user.UserID)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", len(expiredUsers))
}
