package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/expertly/internal/auth"
	"github.com/pliu/expertly/internal/middleware"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/store"
	"github.com/pliu/expertly/internal/store/sqlstore"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type AuthHandler struct {
	Store         store.Store
	Tokens        *auth.Tokens
	Signer        *auth.Signer
	RefreshTTL    time.Duration
	SecureCookies bool

	// MinPasswordEntropy rejects weaker signup passwords. Zero disables the check.
	MinPasswordEntropy float64
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}
	switch req.Role {
	case "":
		req.Role = "user"
	case "user", sqlstore.RoleExpert:
	default:
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = req.Email
	}
	if h.MinPasswordEntropy > 0 {
		if err := passwordvalidator.Validate(req.Password, h.MinPasswordEntropy); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user := &models.User{
		Email:    req.Email,
		Name:     req.Name,
		Role:     req.Role,
		Password: string(hashedPassword),
	}
	if err := h.Store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "Email already registered", http.StatusConflict)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.signIn(w, user.Principal()); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, user.Principal())
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.Store.GetUserByEmail(strings.TrimSpace(strings.ToLower(creds.Email)))
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := h.signIn(w, user.Principal()); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	slog.Info("User logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, user.Principal())
}

// Session reports the principal of a valid access token.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Refresh exchanges the refresh token for a new pair. The presented refresh
// token is consumed, so it works once.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.RefreshCookie)
	if err != nil {
		h.clearCookies(w)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	tokenID, err := h.Signer.Verify(cookie.Value)
	if err != nil {
		h.clearCookies(w)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := h.Store.ConsumeRefreshToken(tokenID)
	if err != nil {
		h.clearCookies(w)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := h.Store.GetUserByID(userID)
	if err != nil {
		h.clearCookies(w)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.signIn(w, user.Principal()); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, user.Principal())
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.RefreshCookie); err == nil {
		if tokenID, err := h.Signer.Verify(cookie.Value); err == nil {
			if err := h.Store.DeleteRefreshToken(tokenID); err != nil {
				slog.Warn("Failed to revoke refresh token", "error", err)
			}
		}
	}
	h.clearCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) signIn(w http.ResponseWriter, p models.Principal) error {
	access, accessExpires, err := h.Tokens.Issue(p)
	if err != nil {
		return err
	}
	refreshExpires := time.Now().Add(h.RefreshTTL)
	tokenID, err := h.Store.CreateRefreshToken(p.ID, refreshExpires)
	if err != nil {
		return err
	}

	http.SetCookie(w, h.cookie(auth.AccessCookie, access, accessExpires))
	http.SetCookie(w, h.cookie(auth.RefreshCookie, h.Signer.Sign(tokenID), refreshExpires))
	return nil
}

func (h *AuthHandler) clearCookies(w http.ResponseWriter) {
	for _, name := range []string{auth.AccessCookie, auth.RefreshCookie} {
		c := h.cookie(name, "", time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (h *AuthHandler) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
