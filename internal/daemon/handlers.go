package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/health"
	"github.com/tapscribe/tapscribe/internal/store"
)

// Handlers contains the HTTP handlers for the daemon API
type Handlers struct {
	manager *capture.Manager
	agg     *health.Aggregator
	store   *store.SQLiteStore
	version string
}

// NewHandlers creates a new handlers instance
func NewHandlers(manager *capture.Manager, agg *health.Aggregator, st *store.SQLiteStore, version string) *Handlers {
	return &Handlers{
		manager: manager,
		agg:     agg,
		store:   st,
		version: version,
	}
}

// Health returns the aggregated pipeline health: overall status, the five
// layers, and the full metrics snapshot.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agg.Snapshot())
}

// ActiveConversations lists every session's active conversation. The count
// field mirrors the conversationsActive metric rather than the list length,
// keeping the two endpoints consistent by construction.
func (h *Handlers) ActiveConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActiveConversationsResponse{
		Active: h.manager.ActiveConversations(),
		Count:  h.agg.ConversationsActive(),
	})
}

// SessionConversations lists one session's conversations with their turns.
func (h *Handlers) SessionConversations(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	convs, err := h.manager.SessionConversations(sessionID)
	if err != nil {
		if errors.Is(err, capture.ErrUnknownSession) {
			writeJSON(w, http.StatusNotFound, SessionConversationsResponse{Success: false, Conversations: []*capture.Conversation{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []*capture.Conversation{}
	}

	writeJSON(w, http.StatusOK, SessionConversationsResponse{
		Success:       true,
		Conversations: convs,
		Count:         len(convs),
	})
}

// SessionContent returns a session's normalized captured content. The
// pipeline guarantees the string contains no NUL bytes; the strip here is a
// final backstop on the exposed surface.
func (h *Handlers) SessionContent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	content, err := h.manager.SessionContent(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SessionContentResponse{
		SessionID: sessionID,
		Content:   strings.ReplaceAll(content, "\x00", ""),
	})
}

// Recovery lists sessions recoverable after an abnormal stop. hasRecoverable
// is true exactly when sessions is non-empty.
func (h *Handlers) Recovery(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, RecoveryResponse{Sessions: []store.RecoverableSession{}})
		return
	}

	sessions, err := h.store.ListRecoverable()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RecoveryResponse{
		HasRecoverable: len(sessions) > 0,
		Sessions:       sessions,
	})
}

// DismissRecovery archives a session's recoverable conversations.
func (h *Handlers) DismissRecovery(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not available")
		return
	}

	if err := h.store.Dismiss(sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sessionID,
	})
}

// SetAutoRespond toggles automatic prompt answering for a session.
func (h *Handlers) SetAutoRespond(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.manager.SetAutoRespond)
}

// SetCapture toggles conversation capture for a session.
func (h *Handlers) SetCapture(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.manager.SetCapture)
}

func (h *Handlers) toggle(w http.ResponseWriter, r *http.Request, set func(string, bool) error) {
	sessionID := r.PathValue("id")

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := set(sessionID, req.Enabled); err != nil {
		if errors.Is(err, capture.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ToggleResponse{
		Success:   true,
		SessionID: sessionID,
		Enabled:   req.Enabled,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
