package server

import (
	"errors"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Sessions *SessionManager
	Provider *ProviderClient
	Tokens   *TokenService
	Users    UserResolver
}

// NewApp wires together the application state from configuration. The
// default user resolver can be replaced before the routes are built.
func NewApp(cfg Config, store Store, logger *slog.Logger) *App {
	provider := NewProviderClient(cfg.SSO, logger)
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Provider: provider,
		Tokens:   NewTokenService(cfg, store, provider, logger),
		Users:    NewCredentialUserResolver(cfg, store, logger),
	}
}

// handleLogin starts the login flow: already-authenticated sessions go
// straight to the target, everyone else is sent to the provider with the
// configured login scopes and authentication enabled.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get(a.Config.Auth.RedirectField)
	if target == "" {
		target = a.Config.Auth.DefaultLoginRedirect
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session fetch", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if sess.Authenticated() {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	a.ssoRedirect(w, r, NewScopeSet(a.Config.SSO.LoginScopes...), target, true)
}

// handleRedirect is the generic entry point for feature code that needs
// extra scopes. It never logs the user in.
func (a *App) handleRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scopes := ParseScopes(q.Get("scope"))

	target := q.Get(a.Config.Auth.RedirectField)
	if target == "" {
		target = a.Config.Auth.DefaultLoginRedirect
	}

	a.ssoRedirect(w, r, scopes, target, false)
}

// ssoRedirect creates the pending-login record for this session and sends
// the browser to the provider login page with the record's hash as state.
func (a *App) ssoRedirect(w http.ResponseWriter, r *http.Request, scopes ScopeSet, target string, allowAuth bool) {
	ctx := r.Context()

	sess, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("session install", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// One pending flow per session; a new redirect supersedes any
	// abandoned one.
	if err := a.Store.DeleteRedirectBySession(ctx, sess.Key); err != nil {
		a.Logger.Error("clear stale redirect", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	rec, err := NewCallbackRedirect(sess.Key, target, allowAuth, RedirectOptions{})
	if err != nil {
		a.Logger.Error("create callback redirect", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := a.Store.CreateRedirect(ctx, rec); err != nil {
		a.Logger.Error("persist callback redirect", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, a.Provider.LoginURL(rec.HashString, scopes), http.StatusFound)
}

// handleCallback processes the provider redirect carrying code and state.
//
// The state is checked twice: the pending-login record is looked up by the
// provider-echoed value, then the hash is re-derived from the current
// session and the stored salt. The first check defeats token guessing, the
// second session fixation.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		http.Error(w, a.Config.Messages.InvalidRequest, http.StatusBadRequest)
		return
	}

	sess, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("session install", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	rec, err := a.Store.RedirectByState(ctx, state)
	if errors.Is(err, ErrNotFound) {
		a.Logger.Warn("callback with unknown state",
			"session_key", sess.Key, "state", state)
		http.Error(w, a.Config.Messages.InvalidCallback, http.StatusForbidden)
		return
	}
	if err != nil {
		a.Logger.Error("redirect lookup", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	valid, err := rec.Validate(sess.Key)
	if err != nil || !valid {
		a.Logger.Warn("callback failed session validation",
			"session_key", sess.Key, "state", state, "redirect_id", rec.ID, "error", err)
		http.Error(w, a.Config.Messages.InvalidCallback, http.StatusForbidden)
		return
	}

	var user *User
	if sess.Authenticated() {
		user, err = a.Store.UserByID(ctx, sess.UserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			a.Logger.Error("load session user", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	token := a.resolveToken(w, r, rec, code, user)
	if token == nil {
		return
	}

	credentialDeleted := false

	switch {
	case user == nil && rec.AllowAuth:
		resolved, err := a.Users.FromToken(ctx, token)
		if err != nil {
			a.Logger.Error("resolve user from token", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if resolved == nil {
			http.Error(w, a.Config.Messages.AccountNotRegistered, http.StatusForbidden)
			return
		}
		if !resolved.Active {
			http.Error(w, a.Config.Messages.AccountInactive, http.StatusForbidden)
			return
		}
		if err := a.Sessions.Login(ctx, sess, resolved); err != nil {
			a.Logger.Error("session login", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		a.Logger.Info("user logged in", "user_id", resolved.ID, "character_id", token.CharacterID)

		// A login-only token cannot be refreshed and has no further use.
		// Deleting it cascades to the pending-login record.
		if !token.CanRefresh() {
			if err := a.Store.DeleteCredential(ctx, token.ID); err != nil {
				a.Logger.Error("delete login-only credential", "error", err)
			}
			credentialDeleted = true
		}

	case user != nil && token.OwnerID != user.ID:
		// A resolved token owned by someone other than the logged-in user
		// means the resolver's invariants were violated. Abort loudly.
		a.Logger.Error("BUG: resolved token owner differs from logged-in user",
			"token_id", token.ID, "token_owner", token.OwnerID, "user_id", user.ID)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	consumed, err := a.Store.DeleteRedirect(ctx, rec.ID)
	if err != nil {
		a.Logger.Error("consume callback redirect", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !consumed && !credentialDeleted {
		// A concurrent callback for the same state won the consumption
		// race; fail closed instead of double-processing.
		a.Logger.Warn("callback redirect already consumed",
			"redirect_id", rec.ID, "session_key", sess.Key)
		http.Error(w, a.Config.Messages.InvalidCallback, http.StatusForbidden)
		return
	}

	http.Redirect(w, r, rec.URL, http.StatusFound)
}

// resolveToken reuses the credential already attached to the record on a
// retried callback, otherwise exchanges the code. A nil return means the
// HTTP response has been written.
func (a *App) resolveToken(w http.ResponseWriter, r *http.Request, rec *CallbackRedirect, code string, user *User) *AccessToken {
	ctx := r.Context()

	if rec.TokenID != "" {
		token, err := a.Store.CredentialByID(ctx, rec.TokenID)
		if err == nil {
			a.Logger.Debug("reusing token attached to redirect", "token_id", token.ID)
			return token
		}
		if !errors.Is(err, ErrNotFound) {
			a.Logger.Error("load attached token", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return nil
		}
	}

	token, err := a.Tokens.GetOrCreateFromCode(ctx, code, user)
	if err != nil {
		a.Logger.Error("resolve token from code", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil
	}

	if err := a.Store.SetRedirectToken(ctx, rec.ID, token.ID); err != nil {
		a.Logger.Error("attach token to redirect", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil
	}
	rec.TokenID = token.ID
	return token
}

// handleLogout clears the session.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}
