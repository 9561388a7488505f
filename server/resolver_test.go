package server

import (
	"context"
	"testing"
	"time"
)

func TestGetOrCreateFromCodeCreatesCredential(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID == "" {
		t.Fatalf("credential has no id")
	}
	if tok.CharacterID != 94000001 || tok.CharacterName != "Test Pilot" {
		t.Fatalf("character identity not carried: %+v", tok)
	}
	if !tok.Scopes.ContainsAll(NewScopeSet("esi.read", "esi.write")) {
		t.Fatalf("granted scopes not stored: %v", tok.Scopes.Sorted())
	}

	stored, err := store.CredentialByID(context.Background(), tok.ID)
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Fatalf("refresh token not persisted")
	}
}

func TestGetOrCreateFromCodeReusesCoveringCredential(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	seeded := seedCredential(t, store, &AccessToken{
		AccessToken:        "stored-access",
		RefreshToken:       "stored-refresh",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterName:      "Test Pilot",
		CharacterOwnerHash: "owner-hash-1",
		Scopes:             NewScopeSet("esi.read", "esi.write", "esi.extra"),
		Created:            time.Now().Add(-time.Hour),
		Expires:            time.Now().Add(time.Hour),
	})

	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID != seeded.ID {
		t.Fatalf("expected stored credential to be reused, got %q", tok.ID)
	}
	if !tok.Scopes.ContainsAll(NewScopeSet("esi.read", "esi.write")) {
		t.Fatalf("reused credential does not cover the grant: %v", tok.Scopes.Sorted())
	}
}

func TestGetOrCreateFromCodeReusesOldestCoveringCredential(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	older := seedCredential(t, store, &AccessToken{
		AccessToken:        "older-access",
		RefreshToken:       "older-refresh",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterOwnerHash: "owner-hash-1",
		Scopes:             NewScopeSet("esi.read", "esi.write"),
		Created:            time.Now().Add(-2 * time.Hour),
		Expires:            time.Now().Add(time.Hour),
	})
	seedCredential(t, store, &AccessToken{
		AccessToken:        "newer-access",
		RefreshToken:       "newer-refresh",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterOwnerHash: "owner-hash-1",
		Scopes:             NewScopeSet("esi.read", "esi.write"),
		Created:            time.Now().Add(-time.Hour),
		Expires:            time.Now().Add(time.Hour),
	})

	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID != older.ID {
		t.Fatalf("expected oldest covering credential, got %q", tok.ID)
	}
}

func TestGetOrCreateFromCodePurgesOnOwnerChange(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	stale := seedCredential(t, store, &AccessToken{
		AccessToken:        "stale-access",
		RefreshToken:       "stale-refresh",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterOwnerHash: "previous-owner-hash",
		Scopes:             NewScopeSet("esi.read", "esi.write"),
		Expires:            time.Now().Add(time.Hour),
	})

	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID == stale.ID {
		t.Fatalf("credential from the previous account owner was reused")
	}
	if _, err := store.CredentialByID(context.Background(), stale.ID); err == nil {
		t.Fatalf("stale credential not purged")
	}
	if tok.CharacterOwnerHash != "owner-hash-1" {
		t.Fatalf("new credential carries stale owner hash: %q", tok.CharacterOwnerHash)
	}
}

func TestGetOrCreateFromCodeEvictsOtherUsersCredential(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	claimed := seedCredential(t, store, &AccessToken{
		AccessToken:        "claimed-access",
		RefreshToken:       "claimed-refresh",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterOwnerHash: "owner-hash-1",
		OwnerID:            "user-a",
		Scopes:             NewScopeSet("esi.read", "esi.write"),
		Expires:            time.Now().Add(time.Hour),
	})

	userB := &User{ID: "user-b", Name: "Other", Active: true}
	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", userB)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID == claimed.ID {
		t.Fatalf("credential claimed by another user was reused")
	}
	if _, err := store.CredentialByID(context.Background(), claimed.ID); err == nil {
		t.Fatalf("conflicting credential not deleted")
	}
	if tok.OwnerID != "user-b" {
		t.Fatalf("new credential not assigned to requesting user: %q", tok.OwnerID)
	}
}

func TestGetOrCreateFromCodeDeletesSupersededCredential(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	// Same scope set as the new grant but no refresh token, so the new
	// credential makes it redundant.
	stale := seedCredential(t, store, &AccessToken{
		AccessToken:        "stale-access",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterOwnerHash: "owner-hash-1",
		Scopes:             NewScopeSet("esi.read", "esi.write"),
		Expires:            time.Now().Add(time.Hour),
	})

	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID == stale.ID {
		t.Fatalf("credential without a refresh token should not be reused")
	}
	if _, err := store.CredentialByID(context.Background(), stale.ID); err == nil {
		t.Fatalf("superseded credential not deleted")
	}
}

func TestGetOrCreateFromCodeKeepsDisjointCredential(t *testing.T) {
	f := newFakeSSO(t)
	ts, store := newTestTokenService(t, f)

	disjoint := seedCredential(t, store, &AccessToken{
		AccessToken:        "other-access",
		RefreshToken:       "other-refresh",
		TokenType:          TokenTypeCharacter,
		CharacterID:        94000001,
		CharacterOwnerHash: "owner-hash-1",
		Scopes:             NewScopeSet("esi.read", "esi.mail"),
		Expires:            time.Now().Add(time.Hour),
	})

	tok, err := ts.GetOrCreateFromCode(context.Background(), "code", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFromCode returned error: %v", err)
	}
	if tok.ID == disjoint.ID {
		t.Fatalf("credential without covering scopes was reused")
	}
	if _, err := store.CredentialByID(context.Background(), disjoint.ID); err != nil {
		t.Fatalf("credential with scopes outside the new grant was deleted: %v", err)
	}
}

func TestUserResolverReusesCredentialOwner(t *testing.T) {
	f := newFakeSSO(t)
	_, store := newTestTokenService(t, f)
	cfg := testConfig(f)

	user := &User{ID: NewID(), Name: "Test Pilot", CharacterID: 94000001, Active: true}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tok := seedCredential(t, store, &AccessToken{
		AccessToken: "a",
		TokenType:   TokenTypeCharacter,
		CharacterID: 94000001,
		OwnerID:     user.ID,
		Expires:     time.Now().Add(time.Hour),
	})

	resolver := NewCredentialUserResolver(cfg, store, testLogger())
	got, err := resolver.FromToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("FromToken returned error: %v", err)
	}
	if got == nil || got.ID != user.ID {
		t.Fatalf("owner not resolved: %+v", got)
	}
}

func TestUserResolverFindsSingleOwnerAcrossCredentials(t *testing.T) {
	f := newFakeSSO(t)
	_, store := newTestTokenService(t, f)
	cfg := testConfig(f)

	user := &User{ID: NewID(), Name: "Test Pilot", CharacterID: 94000001, Active: true}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	seedCredential(t, store, &AccessToken{
		AccessToken: "a",
		TokenType:   TokenTypeCharacter,
		CharacterID: 94000001,
		OwnerID:     user.ID,
		Expires:     time.Now().Add(time.Hour),
	})
	orphan := seedCredential(t, store, &AccessToken{
		AccessToken: "b",
		TokenType:   TokenTypeCharacter,
		CharacterID: 94000001,
		Expires:     time.Now().Add(time.Hour),
	})

	resolver := NewCredentialUserResolver(cfg, store, testLogger())
	got, err := resolver.FromToken(context.Background(), orphan)
	if err != nil {
		t.Fatalf("FromToken returned error: %v", err)
	}
	if got == nil || got.ID != user.ID {
		t.Fatalf("sibling credential owner not resolved: %+v", got)
	}
	if orphan.OwnerID != user.ID {
		t.Fatalf("resolved owner not stamped onto credential")
	}
}

func TestUserResolverCreatesUnknownUser(t *testing.T) {
	f := newFakeSSO(t)
	_, store := newTestTokenService(t, f)
	cfg := testConfig(f)

	tok := seedCredential(t, store, &AccessToken{
		AccessToken:   "a",
		TokenType:     TokenTypeCharacter,
		CharacterID:   94000001,
		CharacterName: "Test Pilot",
		Expires:       time.Now().Add(time.Hour),
	})

	resolver := NewCredentialUserResolver(cfg, store, testLogger())
	resolver.CreateUser = func(ctx context.Context, token *AccessToken) (*User, error) {
		user := &User{ID: NewID(), Name: token.CharacterName, CharacterID: token.CharacterID, Active: true}
		if err := store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}

	got, err := resolver.FromToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("FromToken returned error: %v", err)
	}
	if got == nil || got.Name != "Test Pilot" {
		t.Fatalf("user not created: %+v", got)
	}
	if tok.OwnerID != got.ID {
		t.Fatalf("created owner not stamped onto credential")
	}
}

func TestUserResolverUnknownWithoutCreation(t *testing.T) {
	f := newFakeSSO(t)
	_, store := newTestTokenService(t, f)
	cfg := testConfig(f)
	cfg.Auth.CreateUnknownUser = false

	tok := seedCredential(t, store, &AccessToken{
		AccessToken: "a",
		TokenType:   TokenTypeCharacter,
		CharacterID: 94000001,
		Expires:     time.Now().Add(time.Hour),
	})

	resolver := NewCredentialUserResolver(cfg, store, testLogger())
	got, err := resolver.FromToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("FromToken returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no user, got %+v", got)
	}
}
