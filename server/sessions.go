package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "evessod_session"

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	ttl := cfg.Server.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present
// and unexpired.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	sess, err := sm.store.GetSession(r.Context(), cookie.Value)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = sm.store.DeleteSession(r.Context(), sess.Key)
		return nil, nil
	}
	return sess, nil
}

// Ensure returns the request's session, installing an anonymous one first
// when none exists. A login flow needs a session key before the state hash
// can be derived.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (*Session, error) {
	sess, err := sm.Fetch(r)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	now := time.Now()
	sess = &Session{
		Key:       NewID(),
		Created:   now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.SaveSession(r.Context(), *sess); err != nil {
		return nil, err
	}
	sm.setCookie(w, sess.Key, int(sm.ttl.Seconds()))
	return sess, nil
}

// Login marks the session as authenticated for the given user.
func (sm *SessionManager) Login(ctx context.Context, sess *Session, user *User) error {
	sess.UserID = user.ID
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	return sm.store.SaveSession(ctx, *sess)
}

// Clear removes the session and its cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		_ = sm.store.DeleteSession(r.Context(), cookie.Value)
	}
	sm.setCookie(w, "", -1)
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   maxAge,
	})
}
