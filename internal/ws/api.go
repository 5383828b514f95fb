// ABOUTME: JSON API endpoints alongside the WebSocket: presence queries and conversations
// ABOUTME: Conversations are created here; messages then flow over the socket

package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jobgrid/messaging/internal/auth"
	"github.com/jobgrid/messaging/internal/conversation"
	"github.com/jobgrid/messaging/internal/presence"
	"github.com/jobgrid/messaging/internal/store"
)

// API serves the HTTP surface next to the WebSocket endpoint.
type API struct {
	verifier auth.TokenVerifier
	router   *conversation.Router
	presence *presence.Tracker
}

// NewAPI creates the JSON API handler.
func NewAPI(verifier auth.TokenVerifier, router *conversation.Router, tracker *presence.Tracker) *API {
	return &API{
		verifier: verifier,
		router:   router,
		presence: tracker,
	}
}

// Routes registers the API endpoints on the router.
func (a *API) Routes(r chi.Router) {
	r.Get("/presence/{user}", a.handlePresence)
	r.Post("/conversations", a.handleCreateConversation)
	r.Get("/conversations", a.handleListConversations)
}

type presenceResponse struct {
	User     string     `json:"user"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}

	user := chi.URLParam(r, "user")
	resp := presenceResponse{
		User:   user,
		Online: a.presence.IsOnline(user),
	}
	if lastSeen := a.presence.LastSeen(user); !lastSeen.IsZero() {
		resp.LastSeen = &lastSeen
	}
	writeJSON(w, http.StatusOK, resp)
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
}

type conversationResponse struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// handleCreateConversation gets or creates the conversation for a participant
// set. Idempotent: the same participants always map to the same conversation.
// The caller must be one of the participants.
func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	participants := store.NormalizeParticipants(req.Participants)
	caller := false
	for _, p := range participants {
		if p == user {
			caller = true
			break
		}
	}
	if !caller {
		writeError(w, http.StatusForbidden, "caller must be a participant")
		return
	}

	conv, err := a.router.GetOrCreate(r.Context(), req.Participants)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidParticipants) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusOK, conversationResponse{
		ID:           conv.ID,
		Participants: conv.Participants,
		CreatedAt:    conv.CreatedAt,
	})
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	convs, err := a.router.ListFor(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	resp := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		resp = append(resp, conversationResponse{
			ID:           conv.ID,
			Participants: conv.Participants,
			CreatedAt:    conv.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticate verifies the request token and returns the user ID.
// Writes a 401 and returns false when the token is missing or invalid.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing token")
		return "", false
	}
	user, err := a.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
