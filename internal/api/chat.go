package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cortana/internal/agent"
	"github.com/ashureev/cortana/internal/identity"
	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/session"
)

// ChatHandler exposes a learner tab's chat session over HTTP.
type ChatHandler struct {
	registry    *session.Registry
	gen         agent.Generator
	limiter     *RateLimiter
	maxBodySize int64
}

// NewChatHandler creates a chat handler. limiter may be nil.
func NewChatHandler(registry *session.Registry, gen agent.Generator, limiter *RateLimiter, maxBodySize int64) *ChatHandler {
	return &ChatHandler{registry: registry, gen: gen, limiter: limiter, maxBodySize: maxBodySize}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/state", h.State)
		r.Post("/send", h.Send)
		r.Post("/cancel", h.Cancel)
		r.Post("/diagnostic", h.SubmitDiagnostic)
		r.Post("/level", h.SelectLevel)
		r.Post("/review", h.Review)
		r.Post("/new", h.New)
	})
	r.Get("/api/levels", h.Levels)
	r.Get("/api/agent/health", h.AgentHealth)
}

type sendRequest struct {
	Message string `json:"message"`
}

type diagnosticRequest struct {
	Answers map[string]string `json:"answers"`
}

type levelRequest struct {
	Level string `json:"level"`
}

type reviewRequest struct {
	Code string `json:"code"`
}

// State returns the current session snapshot.
func (h *ChatHandler) State(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.controller(r).State())
}

// Send starts an exchange and returns before the reply arrives.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req sendRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}

	ctrl := h.controller(r)
	_, err := ctrl.Start(exchangeContext(r), req.Message)
	if !h.startError(w, r, err) {
		return
	}
	h.accepted(w, ctrl)
}

// Cancel stops the running exchange, if any.
func (h *ChatHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled := h.controller(r).Cancel()
	JSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// SubmitDiagnostic sends the learner's answers to the open diagnostic.
func (h *ChatHandler) SubmitDiagnostic(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req diagnosticRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}

	ctrl := h.controller(r)
	_, err := ctrl.SubmitDiagnosticAnswers(exchangeContext(r), req.Answers)
	if !h.startError(w, r, err) {
		return
	}
	h.accepted(w, ctrl)
}

// SelectLevel records the learner's level and announces it.
func (h *ChatHandler) SelectLevel(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req levelRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}

	ctrl := h.controller(r)
	_, err := ctrl.SelectLevel(exchangeContext(r), req.Level)
	if !h.startError(w, r, err) {
		return
	}
	h.accepted(w, ctrl)
}

// Review asks the tutor to review code and waits for the result.
func (h *ChatHandler) Review(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req reviewRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}

	review, err := h.controller(r).SubmitCode(r.Context(), req.Code)
	if !h.startError(w, r, err) {
		return
	}
	JSON(w, http.StatusOK, review)
}

// New clears the transcript for a fresh conversation.
func (h *ChatHandler) New(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	if err := ctrl.Reset(); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, ctrl.State())
}

// Levels lists the selectable levels, falling back to the built-in set when
// the tutor is unreachable.
func (h *ChatHandler) Levels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.gen.Levels(r.Context())
	if err != nil {
		slog.Warn("Failed to fetch levels, using defaults", "error", err)
		levels = agent.DefaultLevels
	}
	JSON(w, http.StatusOK, map[string][]phase.Level{"levels": levels})
}

// AgentHealth reports the tutor's health.
func (h *ChatHandler) AgentHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.gen.Health(r.Context())
	if err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unreachable", "error": err.Error()})
		return
	}
	JSON(w, http.StatusOK, health)
}

func (h *ChatHandler) controller(r *http.Request) *session.Controller {
	return tabController(h.registry, r)
}

func (h *ChatHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	userID := identity.FromContext(r.Context()).UserID
	if h.limiter.Allow(userID) {
		return true
	}
	slog.Warn("Rate limit exceeded", "user_id", userID, "ip", identity.IPFromRequest(r))
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// startError maps session errors to responses. It reports whether err was nil.
func (h *ChatHandler) startError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrInvalidLevel),
		errors.Is(err, phase.ErrIncompleteAnswers),
		errors.Is(err, phase.ErrUnknownOption),
		errors.Is(err, phase.ErrNoQuestions):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrExchangeInFlight),
		errors.Is(err, session.ErrNoDiagnostic):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Chat request failed", "error", err, "user_id", identity.FromContext(r.Context()).UserID)
		Error(w, http.StatusInternalServerError, "chat request failed")
	}
	return false
}

func (h *ChatHandler) accepted(w http.ResponseWriter, ctrl *session.Controller) {
	JSON(w, http.StatusAccepted, ctrl.State())
}

// exchangeContext detaches the exchange from the request so it keeps
// running after the response is written.
func exchangeContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
