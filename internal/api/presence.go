package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/dmserver/internal/presence"
	"github.com/whisper/dmserver/internal/session"
)

// SessionLister finds the connection records a user registered on across
// server instances.
type SessionLister interface {
	SessionsForUser(ctx context.Context, userID string) ([]*session.Session, error)
}

// PresenceResponse is the body of GET /api/presence/{userId}. Connections are
// the handles this instance would push to; Sessions, when Redis is
// configured, covers every instance.
type PresenceResponse struct {
	UserID      string             `json:"userId"`
	Online      bool               `json:"online"`
	Connections []string           `json:"connections"`
	Sessions    []*session.Session `json:"sessions,omitempty"`
}

type PresenceHandler struct {
	registry *presence.Registry
	sessions SessionLister
}

// NewPresenceHandler creates the presence lookup. sessions may be nil.
func NewPresenceHandler(registry *presence.Registry, sessions SessionLister) *PresenceHandler {
	return &PresenceHandler{registry: registry, sessions: sessions}
}

// Routes returns the router to mount under /api/presence.
func (h *PresenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{userId}", h.Lookup)
	return r
}

// Lookup reports whether a user currently has a live registration.
func (h *PresenceHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	conns := h.registry.ConnectionsFor(userID)
	if conns == nil {
		conns = []string{}
	}
	resp := PresenceResponse{
		UserID:      userID,
		Online:      len(conns) > 0,
		Connections: conns,
	}

	if h.sessions != nil {
		sessions, err := h.sessions.SessionsForUser(r.Context(), userID)
		if err != nil {
			serverError(w, "list sessions", err)
			return
		}
		resp.Sessions = sessions
		resp.Online = resp.Online || len(sessions) > 0
	}

	writeJSON(w, http.StatusOK, resp)
}
