// Package server wires the development backend's routes.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pliu/expertly/internal/auth"
	"github.com/pliu/expertly/internal/handlers"
	"github.com/pliu/expertly/internal/middleware"
	"github.com/pliu/expertly/internal/store"
	"github.com/pliu/expertly/internal/ws"
)

type Deps struct {
	Store         store.Store
	Hub           *ws.Hub
	Tokens        *auth.Tokens
	Signer        *auth.Signer
	RefreshTTL    time.Duration
	SecureCookies bool

	MinPasswordEntropy float64
}

func NewRouter(d Deps) *mux.Router {
	authHandler := &handlers.AuthHandler{
		Store:         d.Store,
		Tokens:        d.Tokens,
		Signer:        d.Signer,
		RefreshTTL:    d.RefreshTTL,
		SecureCookies: d.SecureCookies,

		MinPasswordEntropy: d.MinPasswordEntropy,
	}
	sessionHandler := &handlers.SessionHandler{Store: d.Store, Hub: d.Hub, Tokens: d.Tokens}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/auth/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST")
	r.HandleFunc("/auth/logout", authHandler.Logout).Methods("POST")

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	// The socket reports auth failures as close codes, so it sits outside
	// the auth middleware.
	r.HandleFunc("/sessions/ws/{id}", sessionHandler.ServeWS).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(d.Tokens))
	api.HandleFunc("/auth/session", authHandler.Session).Methods("GET")
	api.HandleFunc("/experts", sessionHandler.ListExperts).Methods("GET")
	api.HandleFunc("/sessions/my/active", sessionHandler.ActiveSessions).Methods("GET")
	api.HandleFunc("/sessions/my/completed", sessionHandler.CompletedSessions).Methods("GET")
	api.HandleFunc("/sessions", sessionHandler.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", sessionHandler.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/close", sessionHandler.CloseSession).Methods("POST")

	return r
}
