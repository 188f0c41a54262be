package playground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cortana/internal/domain"
	"github.com/ashureev/cortana/internal/shared"
)

var (
	// ErrBusy is returned while another run or destroy for the user is active.
	ErrBusy = errors.New("playground busy")
	// ErrUnknownUser is returned when the learner has no user record.
	ErrUnknownUser = errors.New("user not found")
)

const defaultDestroyTimeout = 30 * time.Second

// UserStore is the persistence the playground needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
	UpdateContainerID(ctx context.Context, userID string, containerID string, expectedID string) error
}

// Service binds learners to their sandbox containers.
type Service struct {
	users          UserStore
	mgr            Manager
	destroyTimeout time.Duration
	locks          sync.Map
}

// NewService creates a playground service.
func NewService(users UserStore, mgr Manager, destroyTimeout time.Duration) *Service {
	if destroyTimeout <= 0 {
		destroyTimeout = defaultDestroyTimeout
	}
	return &Service{users: users, mgr: mgr, destroyTimeout: destroyTimeout}
}

// Run provisions the learner's container if needed and runs code in it.
func (s *Service) Run(ctx context.Context, userID, language, code string) (RunResult, error) {
	if _, err := Command(language, code); err != nil {
		return RunResult{}, err
	}

	unlock, ok := s.tryLock(userID)
	if !ok {
		return RunResult{}, ErrBusy
	}
	defer unlock()

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return RunResult{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user == nil {
		return RunResult{}, ErrUnknownUser
	}

	containerID, err := s.mgr.EnsureContainer(ctx, userID, user.ContainerID, user.LastSeenAt)
	if err != nil {
		return RunResult{}, fmt.Errorf("provision playground: %w", err)
	}
	if containerID != user.ContainerID {
		if err := s.users.UpdateContainerID(ctx, userID, containerID, ""); err != nil {
			return RunResult{}, fmt.Errorf("bind playground container: %w", err)
		}
		slog.Info("Playground provisioned", "user_id", userID, "container_id", containerID)
	}
	if err := s.users.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		slog.Warn("Failed to touch playground user", "user_id", userID, "error", err)
	}

	result, err := s.mgr.Run(ctx, containerID, language, code)
	if err != nil {
		return RunResult{}, err
	}
	slog.Info("Playground run finished",
		"user_id", userID,
		"language", language,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)
	return result, nil
}

// Destroy unbinds the learner's container and removes it in the background.
// It reports whether a container was bound.
func (s *Service) Destroy(ctx context.Context, userID string) (bool, error) {
	unlock, ok := s.tryLock(userID)
	if !ok {
		return false, ErrBusy
	}
	defer unlock()

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user == nil {
		return false, ErrUnknownUser
	}
	if user.ContainerID == "" {
		return false, nil
	}

	// Clear the binding first so the learner sees the playground gone at once.
	if err := clearContainerID(ctx, s.users, userID, user.ContainerID); err != nil {
		return false, fmt.Errorf("clear playground container: %w", err)
	}

	containerID := user.ContainerID
	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), s.destroyTimeout)
		defer cancel()
		if err := s.mgr.StopContainer(cleanupCtx, containerID); err != nil {
			slog.Error("Failed to stop container", "error", err, "container_id", containerID, "user_id", userID)
		}
	}()

	slog.Info("Playground destroyed", "user_id", userID, "container_id", containerID)
	return true, nil
}

func (s *Service) tryLock(userID string) (func(), bool) {
	lock, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		return nil, false
	}
	return mutex.Unlock, true
}

type containerBinder interface {
	UpdateContainerID(ctx context.Context, userID string, containerID string, expectedID string) error
}

// clearContainerID unbinds a container, tolerating SQLite conflicts.
func clearContainerID(ctx context.Context, users containerBinder, userID, expectedID string) error {
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, func() error {
		return users.UpdateContainerID(ctx, userID, "", expectedID)
	})
	if err != nil && ctx.Err() != nil {
		slog.Debug("Context canceled during container ID update, cleanup may be incomplete", "user_id", userID, "error", err)
		return nil
	}
	return err
}
