// Package identity resolves which learner and which browser tab a request
// belongs to. Learners are anonymous and keyed by a long-lived cookie; each
// tab names its own chat session through a header.
package identity

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/cortana/internal/domain"
)

const (
	AnonCookieName    = "cortana_anon_id"
	SessionHeaderName = "X-Cortana-Session-ID"
	// SessionQueryParam carries the tab ID where headers cannot be set,
	// such as the websocket handshake.
	SessionQueryParam = "session_id"
	// DefaultTabID is used when a request names no tab.
	DefaultTabID = "default"

	anonPrefix       = "anon_"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Learner addresses one chat session: an anonymous user in one tab.
type Learner struct {
	UserID string
	TabID  string
}

type learnerKey struct{}

// WithLearner returns a context carrying l.
func WithLearner(ctx context.Context, l Learner) context.Context {
	return context.WithValue(ctx, learnerKey{}, l)
}

// FromContext returns the learner resolved by Middleware. Outside the
// middleware it returns the zero user in the default tab.
func FromContext(ctx context.Context) Learner {
	if l, ok := ctx.Value(learnerKey{}).(Learner); ok {
		return l
	}
	return Learner{TabID: DefaultTabID}
}

// UserStore is the persistence the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Middleware resolves the learner behind each request, issuing an anonymous
// ID on first contact and registering the user. Requests naming a malformed
// tab are rejected with 400.
func Middleware(repo UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tabID, ok := tabFromRequest(r)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid "+SessionHeaderName)
				return
			}

			userID, fresh, err := anonIDFromRequest(r)
			if err != nil {
				slog.Error("Failed to issue anonymous id", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to establish anonymous identity")
				return
			}
			// Refresh on every request so active learners never expire.
			setAnonCookie(w, userID, isDev)

			if err := registerUser(r.Context(), repo, userID, fresh); err != nil {
				slog.Error("Failed to register learner", "error", err, "user_id", userID)
				writeError(w, http.StatusInternalServerError, "failed to initialize anonymous user")
				return
			}

			ctx := WithLearner(r.Context(), Learner{UserID: userID, TabID: tabID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tabFromRequest reads the tab ID from the header, then the query string.
// A missing ID selects the default tab.
func tabFromRequest(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(SessionHeaderName))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get(SessionQueryParam))
	}
	if id == "" {
		return DefaultTabID, true
	}
	return id, tabIDPattern.MatchString(id)
}

// anonIDFromRequest returns the cookie's anonymous ID, or a new one when the
// cookie is missing or was not issued by us.
func anonIDFromRequest(r *http.Request) (id string, fresh bool, err error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		return c.Value, false, nil
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", false, fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + hex.EncodeToString(u[:]), true, nil
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// registerUser creates the user row on first sight. A returning cookie whose
// row was lost (fresh database) is registered again.
func registerUser(ctx context.Context, repo UserStore, userID string, fresh bool) error {
	if !fresh {
		user, err := repo.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if user != nil {
			return nil
		}
	}

	now := time.Now()
	err := repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   "anon-" + strings.TrimPrefix(userID, anonPrefix)[:8],
		VolumePath: domain.PlaygroundVolume(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
