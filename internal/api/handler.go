// Package api serves the request/response side of direct messaging: creating
// a message and reading conversations and their history.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/conversation"
	"github.com/whisper/dmserver/internal/delivery"
	"github.com/whisper/dmserver/internal/storage"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// CreateMessageRequest is the body of POST /.
type CreateMessageRequest struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	Type        string `json:"type"`
}

type Handler struct {
	engine   *delivery.Engine
	resolver *conversation.Resolver
	entries  chat.Store
}

func NewHandler(engine *delivery.Engine, resolver *conversation.Resolver, entries chat.Store) *Handler {
	return &Handler{engine: engine, resolver: resolver, entries: entries}
}

// Routes returns the router to mount under /api/messages.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateMessage)
	r.Get("/{senderId}/{recipientId}", h.ListMessages)
	r.Get("/{userId}", h.ListConversations)
	return r
}

// CreateMessage persists a message and pushes it to the recipient if online.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	entry, err := h.engine.HandleSend(r.Context(), delivery.SendRequest{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Type:        chat.Type(req.Type),
		Message:     req.Message,
		Channel:     delivery.ChannelHTTP,
	})
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: verr.Reason})
			return
		}
		serverError(w, "create message", err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ListMessages returns the history between two users, oldest first. The
// conversation is created when it does not exist yet.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	senderID := chi.URLParam(r, "senderId")
	recipientID := chi.URLParam(r, "recipientId")

	conv, err := h.resolver.Lookup(r.Context(), senderID, recipientID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv == nil) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Message: "Conversation not found"})
		return
	}
	if err != nil {
		serverError(w, "resolve conversation", err)
		return
	}

	entries, err := h.entries.ListByConversation(r.Context(), conv.ID)
	if err != nil {
		serverError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListConversations returns the user's conversations, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	convs, err := h.resolver.ListForUser(r.Context(), userID)
	if err != nil {
		serverError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("[api] %s: %v", op, err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "Server error", Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
