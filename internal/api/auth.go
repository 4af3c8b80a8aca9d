package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/storage"
)

// Cookie names shared with the browser clients.
const (
	playerCookie = "playertxt_session"
	adminCookie  = "admin_session"
)

const adminSessionTTL = 12 * time.Hour

type ctxKey int

const playerKey ctxKey = iota

// playerFrom returns the authenticated player of a request that passed
// requirePlayer.
func playerFrom(ctx context.Context) *storage.Player {
	p, _ := ctx.Value(playerKey).(*storage.Player)
	return p
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// requirePlayer resolves the player session cookie (or bearer token)
// and rejects the request when it is missing or unknown.
func (s *Server) requirePlayer(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if c, err := r.Cookie(playerCookie); err == nil && c.Value != "" {
			token = c.Value
		}
		if token == "" {
			s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		p, err := s.deps.Store.PlayerByToken(r.Context(), token)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.errorResponse(w, http.StatusUnauthorized, "Invalid session")
			return
		case err != nil:
			s.logger.Error("player auth failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "Auth failed")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), playerKey, p)))
	})
}

// requireAdmin accepts the configured admin bearer token or a live
// admin session cookie.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isAdmin(r) {
			next(w, r)
			return
		}
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
	})
}

func (s *Server) isAdmin(r *http.Request) bool {
	if want := s.deps.Admin.Token; want != "" {
		if got := bearerToken(r); got != "" &&
			subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return true
		}
	}
	c, err := r.Cookie(adminCookie)
	return err == nil && s.admins.valid(c.Value, s.now())
}

// handleAdminLogin exchanges the admin password for a session cookie.
// It accepts a form post or a JSON body.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var password string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Password string `json:"password"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		password = req.Password
	} else {
		password = r.PostFormValue("password")
	}

	ok, err := s.deps.System.CheckAdminPassword(password)
	if err != nil {
		s.logger.Error("admin password check failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Auth failed")
		return
	}
	if !ok {
		s.logger.Warn("admin login rejected", "remote", r.RemoteAddr)
		s.errorResponse(w, http.StatusForbidden, "ACCESS DENIED")
		return
	}

	token := s.admins.issue(s.now())
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(adminSessionTTL.Seconds()),
	})
	s.logEvent(events.LevelInfo, "Admin signed in", nil)
	writeJSON(w, map[string]any{"success": true}, s.logger)
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(adminCookie); err == nil {
		s.admins.revoke(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, map[string]any{"success": true}, s.logger)
}

// adminSessions tracks issued admin cookies in memory. A restart signs
// every admin out.
type adminSessions struct {
	mu     sync.Mutex
	ttl    time.Duration
	expiry map[string]time.Time
}

func newAdminSessions(ttl time.Duration) *adminSessions {
	return &adminSessions{ttl: ttl, expiry: make(map[string]time.Time)}
}

func (a *adminSessions) issue(now time.Time) string {
	token := uuid.NewString()
	a.mu.Lock()
	defer a.mu.Unlock()
	for t, exp := range a.expiry {
		if now.After(exp) {
			delete(a.expiry, t)
		}
	}
	a.expiry[token] = now.Add(a.ttl)
	return token
}

func (a *adminSessions) valid(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.expiry[token]
	return ok && now.Before(exp)
}

func (a *adminSessions) revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.expiry, token)
}

// revokeAll signs every admin out.
func (a *adminSessions) revokeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.expiry)
}
