package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cortana/internal/domain"
	"github.com/ashureev/cortana/internal/identity"
	"github.com/ashureev/cortana/internal/session"
	"github.com/ashureev/cortana/internal/store"
)

// ConversationStore reads and deletes archived conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, userID, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error)
	DeleteConversation(ctx context.Context, userID, id string) error
}

// ConversationHandler serves the conversation archive.
type ConversationHandler struct {
	archive  ConversationStore
	registry *session.Registry
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(archive ConversationStore, registry *session.Registry) *ConversationHandler {
	return &ConversationHandler{archive: archive, registry: registry}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Post("/{id}/open", h.Open)
	})
}

// List returns the learner's conversations, newest first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	userID := identity.FromContext(r.Context()).UserID

	list, err := h.archive.ListConversations(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, map[string][]domain.ConversationSummary{"conversations": list})
}

// Get returns one conversation.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, conv)
}

// Delete removes one conversation.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context()).UserID
	err := h.archive.DeleteConversation(r.Context(), userID, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "conversation not found")
	default:
		slog.Error("Failed to delete conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
	}
}

// Open loads a conversation into the caller's chat session.
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}

	ctrl := tabController(h.registry, r)
	if err := ctrl.Open(conv); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, ctrl.State())
}

func (h *ConversationHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	userID := identity.FromContext(r.Context()).UserID
	conv, err := h.archive.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}
