package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cortana/internal/identity"
	"github.com/ashureev/cortana/internal/playground"
	"github.com/ashureev/cortana/internal/session"
)

// PlaygroundRunner runs learner code in a sandbox.
type PlaygroundRunner interface {
	Run(ctx context.Context, userID, language, code string) (playground.RunResult, error)
	Destroy(ctx context.Context, userID string) (bool, error)
}

// PlaygroundHandler serves the code playground.
type PlaygroundHandler struct {
	runner      PlaygroundRunner
	registry    *session.Registry
	limiter     *RateLimiter
	maxBodySize int64
}

// NewPlaygroundHandler creates a playground handler. limiter may be nil.
func NewPlaygroundHandler(runner PlaygroundRunner, registry *session.Registry, limiter *RateLimiter, maxBodySize int64) *PlaygroundHandler {
	return &PlaygroundHandler{runner: runner, registry: registry, limiter: limiter, maxBodySize: maxBodySize}
}

// RegisterRoutes registers playground routes.
func (h *PlaygroundHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/playground", func(r chi.Router) {
		r.Post("/run", h.Run)
		r.Post("/destroy", h.Destroy)
	})
}

type runRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Run executes code once the tutor has revealed the playground in this tab.
func (h *PlaygroundHandler) Run(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context()).UserID
	ctrl := tabController(h.registry, r)
	if !ctrl.RevealPlayground() {
		Error(w, http.StatusConflict, "playground not revealed")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req runRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}
	if req.Language == "" {
		req.Language = "python"
	}

	result, err := h.runner.Run(r.Context(), userID, req.Language, req.Code)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, result)
	case errors.Is(err, playground.ErrUnsupportedLanguage):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, playground.ErrBusy):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, playground.ErrRunTimeout):
		Error(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, playground.ErrUnknownUser):
		Error(w, http.StatusUnauthorized, "user not found")
	default:
		slog.Error("Playground run failed", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "playground run failed")
	}
}

// Destroy removes the learner's sandbox container.
func (h *PlaygroundHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context()).UserID
	destroyed, err := h.runner.Destroy(r.Context(), userID)
	switch {
	case err == nil && destroyed:
		JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "none"})
	case errors.Is(err, playground.ErrBusy):
		JSON(w, http.StatusOK, map[string]string{"status": "destroying"})
	case errors.Is(err, playground.ErrUnknownUser):
		Error(w, http.StatusUnauthorized, "user not found")
	default:
		slog.Error("Playground destroy failed", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to destroy playground")
	}
}
