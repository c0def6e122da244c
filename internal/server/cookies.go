package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// CookieName is the name of the chat session cookie
	CookieName = "intentbot_session"
	// CookieMaxAge applies when no session TTL is configured
	CookieMaxAge = 30 * time.Minute
)

// SetSessionCookie sets an HTTP-only session cookie. Secure is set when the
// request arrived over TLS.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = CookieMaxAge
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

// GetSessionCookie reads the session ID from the cookie
func GetSessionCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// getSessionID resolves the session from cookie, then X-Session-Id header,
// then the sessionId query parameter.
func getSessionID(r *http.Request) string {
	if sid, err := GetSessionCookie(r); err == nil && sid != "" {
		return sid
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	return r.URL.Query().Get("sessionId")
}

// getOrCreateSessionID gets the existing session ID or creates one and sets the cookie.
func (s *Server) getOrCreateSessionID(w http.ResponseWriter, r *http.Request, fromBody string) string {
	sid := fromBody
	if sid == "" {
		sid = getSessionID(r)
	}
	if sid == "" {
		sid = newSessionID()
		s.log.Debug("creating new session", zap.String("session", sid), zap.String("path", r.URL.Path))
	}
	SetSessionCookie(w, r, sid, s.cfg.SessionTTL)
	return sid
}
