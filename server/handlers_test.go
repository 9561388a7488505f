package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestApp(t *testing.T, f *fakeSSO) (*App, http.Handler) {
	t.Helper()
	cfg := testConfig(f)
	cfg.SSO.LoginScopes = []string{"esi.read"}
	store := NewMemoryStore()
	app := NewApp(cfg, store, testLogger())

	resolver := NewCredentialUserResolver(cfg, store, testLogger())
	resolver.CreateUser = func(ctx context.Context, token *AccessToken) (*User, error) {
		user := &User{
			ID:          NewID(),
			Name:        token.CharacterName,
			CharacterID: token.CharacterID,
			Active:      true,
			Created:     time.Now(),
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	app.Users = resolver

	return app, app.Routes()
}

// startLogin drives GET /login and returns the session cookie and the state
// value embedded in the provider redirect.
func startLogin(t *testing.T, handler http.Handler, target string) (*http.Cookie, string) {
	t.Helper()

	path := "/login"
	if target != "" {
		path += "?next=" + url.QueryEscape(target)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d, want 302", rec.Code)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("login did not install a session cookie")
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse provider redirect: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("provider redirect carries no state: %q", loc.String())
	}
	return cookie, state
}

func TestLoginRedirectsToProvider(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?next=/dashboard", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(loc.String(), f.srv.URL) {
		t.Fatalf("redirect does not target the provider: %q", loc.String())
	}
	if loc.Query().Get("scope") != "esi.read" {
		t.Fatalf("login scopes not forwarded: %q", loc.Query().Get("scope"))
	}

	stored, err := app.Store.RedirectByState(context.Background(), loc.Query().Get("state"))
	if err != nil {
		t.Fatalf("pending-login record not persisted: %v", err)
	}
	if stored.URL != "/dashboard" || !stored.AllowAuth {
		t.Fatalf("record fields wrong: %+v", stored)
	}
}

func TestLoginAuthenticatedSkipsProvider(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	user := &User{ID: NewID(), Name: "Test Pilot", Active: true}
	if err := app.Store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	sess := Session{
		Key:       NewID(),
		UserID:    user.ID,
		Created:   time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := app.Store.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/login?next=/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sess.Key})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Fatalf("authenticated login should go straight to target, got %q", loc)
	}
	if ex, _, _ := f.counts(); ex != 0 {
		t.Fatalf("provider contacted for authenticated login")
	}
}

func TestLoginSupersedesPendingRecord(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	cookie, firstState := startLogin(t, handler, "/first")

	req := httptest.NewRequest(http.MethodGet, "/login?next=/second", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("second login status = %d, want 302", rec.Code)
	}

	if _, err := app.Store.RedirectByState(context.Background(), firstState); !errors.Is(err, ErrNotFound) {
		t.Fatalf("abandoned pending-login record not superseded: %v", err)
	}
}

func TestCallbackLogsUserIn(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	cookie, state := startLogin(t, handler, "/dashboard")

	req := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Fatalf("final redirect = %q, want /dashboard", loc)
	}

	sess, err := app.Store.GetSession(context.Background(), cookie.Value)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !sess.Authenticated() {
		t.Fatalf("session not authenticated after callback")
	}
	user, err := app.Store.UserByID(context.Background(), sess.UserID)
	if err != nil {
		t.Fatalf("load logged-in user: %v", err)
	}
	if user.CharacterID != 94000001 {
		t.Fatalf("user not derived from the verified character: %+v", user)
	}

	if _, err := app.Store.RedirectByState(context.Background(), state); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending-login record not consumed: %v", err)
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	f := newFakeSSO(t)
	_, handler := newTestApp(t, f)

	cookie, state := startLogin(t, handler, "/dashboard")

	req := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("first callback status = %d, want 302", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("replayed callback status = %d, want 403", rec.Code)
	}
}

func TestCallbackUnknownState(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state=garbage", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ex, _, _ := f.counts(); ex != 0 {
		t.Fatalf("code exchanged despite unknown state")
	}
	creds, err := app.Store.CredentialsByCharacter(context.Background(), 94000001)
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("credential created despite unknown state")
	}
}

func TestCallbackForeignSession(t *testing.T) {
	f := newFakeSSO(t)
	_, handler := newTestApp(t, f)

	_, state := startLogin(t, handler, "/dashboard")

	// Same state, different browser: no cookie, so a fresh session is
	// installed and the hash re-derivation fails.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ex, _, _ := f.counts(); ex != 0 {
		t.Fatalf("code exchanged for a hijacked state")
	}
}

func TestCallbackMissingParameters(t *testing.T) {
	f := newFakeSSO(t)
	_, handler := newTestApp(t, f)

	for _, path := range []string{"/callback", "/callback?code=x", "/callback?state=y"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", path, rec.Code)
		}
	}
}

func TestCallbackInactiveUser(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	resolver := app.Users.(*CredentialUserResolver)
	resolver.CreateUser = func(ctx context.Context, token *AccessToken) (*User, error) {
		user := &User{ID: NewID(), Name: token.CharacterName, CharacterID: token.CharacterID}
		if err := app.Store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}

	cookie, state := startLogin(t, handler, "/")

	req := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), app.Config.Messages.AccountInactive) {
		t.Fatalf("inactive account message missing: %q", rec.Body.String())
	}
}

func TestCallbackUnknownUser(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	app.Users.(*CredentialUserResolver).CreateUser = nil

	cookie, state := startLogin(t, handler, "/")

	req := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), app.Config.Messages.AccountNotRegistered) {
		t.Fatalf("unregistered account message missing: %q", rec.Body.String())
	}
}

func TestRedirectFlowCollectsScopesWithoutLogin(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/redirect?scope=esi.mail&next=/mail", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("redirect status = %d, want 302", rec.Code)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("no session installed")
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse provider redirect: %v", err)
	}
	if loc.Query().Get("scope") != "esi.mail" {
		t.Fatalf("requested scope not forwarded: %q", loc.Query().Get("scope"))
	}
	state := loc.Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302: %s", rec.Code, rec.Body.String())
	}
	if locStr := rec.Header().Get("Location"); locStr != "/mail" {
		t.Fatalf("final redirect = %q, want /mail", locStr)
	}

	sess, err := app.Store.GetSession(context.Background(), cookie.Value)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Authenticated() {
		t.Fatalf("scope-collection flow must not log the user in")
	}

	creds, err := app.Store.CredentialsByCharacter(context.Background(), 94000001)
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected one stored credential, got %d", len(creds))
	}
}

func TestLogoutClearsSession(t *testing.T) {
	f := newFakeSSO(t)
	app, handler := newTestApp(t, f)

	cookie, _ := startLogin(t, handler, "/")

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, err := app.Store.GetSession(context.Background(), cookie.Value); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived logout: %v", err)
	}
}
