package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pliu/expertly/internal/auth"
	"github.com/pliu/expertly/internal/middleware"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/store"
	"github.com/pliu/expertly/internal/ws"
)

// Close codes sent on the session socket.
const (
	CloseAuthDenied = 4001
	CloseForbidden  = 4003
)

type CreateSessionRequest struct {
	ExpertID       string `json:"expert_id"`
	InitialMessage string `json:"initial_message"`
}

type SessionHandler struct {
	Store    store.Store
	Hub      *ws.Hub
	Tokens   *auth.Tokens
	Upgrader websocket.Upgrader
}

func (h *SessionHandler) ListExperts(w http.ResponseWriter, r *http.Request) {
	experts, err := h.Store.ListExperts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, experts)
}

func (h *SessionHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	h.listSessions(w, r, models.StatusActive)
}

func (h *SessionHandler) CompletedSessions(w http.ResponseWriter, r *http.Request) {
	h.listSessions(w, r, models.StatusCompleted)
}

func (h *SessionHandler) listSessions(w http.ResponseWriter, r *http.Request, status models.SessionStatus) {
	p, _ := middleware.PrincipalFrom(r.Context())
	sessions, err := h.Store.ListSessions(p.ID, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := h.Store.CreateSession(p.ID, req.ExpertID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Expert not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if content := strings.TrimSpace(req.InitialMessage); content != "" {
		msg, err := h.Store.SaveMessage(sess.ID, p.ID, content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sess.Messages = append(sess.Messages, *msg)
	}

	slog.Info("Session created", "session_id", sess.ID, "user_id", p.ID, "expert_id", sess.ExpertID)
	writeJSON(w, http.StatusCreated, sess)
}

// loadSession returns the session named in the route if the caller takes part
// in it; otherwise it writes the error response and returns nil.
func (h *SessionHandler) loadSession(w http.ResponseWriter, r *http.Request) *models.Session {
	p, _ := middleware.PrincipalFrom(r.Context())
	sess, err := h.Store.GetSession(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return nil
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	if sess.UserID != p.ID && sess.ExpertID != p.ID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}
	return sess
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CloseSession completes the session and ends its live connections.
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !sess.Completed() {
		if err := h.Store.CloseSession(sess.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		slog.Info("Session closed", "session_id", sess.ID)
	}
	h.Hub.CloseSession(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ServeWS upgrades first and reports rejections as close codes, so clients
// see 4001, 4003 or 1000 rather than a failed handshake.
func (h *SessionHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	p, ok := middleware.Authenticate(h.Tokens, r)
	if !ok {
		ws.CloseConn(conn, CloseAuthDenied, "Authentication failed")
		return
	}

	sessionID := mux.Vars(r)["id"]
	sess, err := h.Store.GetSession(sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ws.CloseConn(conn, CloseForbidden, "Session not found")
		return
	case err != nil:
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		ws.CloseConn(conn, websocket.CloseInternalServerErr, "Internal server error")
		return
	case sess.UserID != p.ID && sess.ExpertID != p.ID:
		ws.CloseConn(conn, CloseForbidden, "Not authorized to access this session")
		return
	case sess.Completed():
		ws.CloseConn(conn, websocket.CloseNormalClosure, "Session completed")
		return
	}

	ws.ServeClient(h.Hub, conn, sess.ID, p.ID)
}
