package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/cortana/internal/identity"
	"github.com/ashureev/cortana/internal/session"
)

const wsWriteTimeout = 10 * time.Second

// SessionSocket pushes every state snapshot of the caller's chat session
// over a websocket.
type SessionSocket struct {
	registry       *session.Registry
	originPatterns []string
}

// NewSessionSocket creates the websocket handler. originPatterns follows
// websocket.AcceptOptions; nil allows same-origin only.
func NewSessionSocket(registry *session.Registry, originPatterns []string) *SessionSocket {
	return &SessionSocket{registry: registry, originPatterns: originPatterns}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *SessionSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	learner := identity.FromContext(r.Context())
	userID, sessionID := learner.UserID, learner.TabID

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctrl := h.registry.Get(userID, sessionID)

	// Only the newest snapshot matters; a slow client skips intermediate ones.
	updates := make(chan session.State, 1)
	unsubscribe := ctrl.Subscribe(func(st session.State) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	ctx := ws.CloseRead(r.Context())
	slog.Info("Session socket connected", "user_id", userID, "session_id", sessionID)

	if err := h.write(ctx, ws, ctrl.State()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("Session socket closed", "user_id", userID, "session_id", sessionID)
			return
		case st := <-updates:
			if err := h.write(ctx, ws, st); err != nil {
				slog.Debug("Session socket write failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *SessionSocket) write(ctx context.Context, ws *websocket.Conn, st session.State) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, st)
}
