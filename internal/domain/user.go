// Package domain contains core domain types for the Cortana gateway.
package domain

import (
	"fmt"
	"time"
)

// User is an anonymous learner together with their playground state.
type User struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ContainerID string    `json:"container_id,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	VolumePath  string    `json:"volume_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PlaygroundVolume names the Docker volume that keeps a learner's
// playground files between containers.
func PlaygroundVolume(userID string) string {
	return fmt.Sprintf("cortana-playground-%s-data", userID)
}

// HasActiveContainer returns true if the user has a playground container.
func (u *User) HasActiveContainer() bool {
	return u.ContainerID != ""
}

// SessionTTL returns the time until the playground expires.
// Returns 0 if it has already expired.
func (u *User) SessionTTL(sessionDuration time.Duration) time.Duration {
	if !u.HasActiveContainer() {
		return 0
	}
	expiresAt := u.LastSeenAt.Add(sessionDuration)
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
