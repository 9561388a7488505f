package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TokenService owns the credential lifecycle: refresh, expiry, and the
// resolution of freshly exchanged codes into stored credentials.
type TokenService struct {
	store    Store
	provider *ProviderClient
	logger   *slog.Logger

	// purgeOnOwnerChange evicts stored credentials whose character owner
	// hash no longer matches what the provider reports.
	purgeOnOwnerChange bool

	now func() time.Time
}

// NewTokenService wires the lifecycle engine.
func NewTokenService(cfg Config, store Store, provider *ProviderClient, logger *slog.Logger) *TokenService {
	return &TokenService{
		store:              store,
		provider:           provider,
		logger:             logger,
		purgeOnOwnerChange: cfg.SSO.PurgeOnOwnerChange,
		now:                time.Now,
	}
}

// Refresh renews an expired credential against the provider.
//
// It returns (false, nil) when the provider has declared the token invalid,
// either now or on a previous attempt; the sticky invalid flag prevents any
// further remote calls for this credential. It returns ErrNotRefreshable
// when called on a credential without a refresh token.
func (s *TokenService) Refresh(ctx context.Context, t *AccessToken) (bool, error) {
	if !t.CanRefresh() {
		return false, ErrNotRefreshable
	}
	if t.Invalid {
		return false, nil
	}

	resp, err := s.provider.RefreshToken(ctx, t.RefreshToken)
	if errors.Is(err, ErrTokenInvalid) {
		return false, s.markInvalid(ctx, t)
	}
	if err != nil {
		return false, fmt.Errorf("refresh credential %s: %w", t.ID, err)
	}

	verify, err := s.provider.VerifyToken(ctx, resp.AccessToken)
	if errors.Is(err, ErrTokenInvalid) {
		return false, s.markInvalid(ctx, t)
	}
	if err != nil {
		return false, fmt.Errorf("verify refreshed credential %s: %w", t.ID, err)
	}

	if err := s.applyUpdate(ctx, t, resp, verify, false); err != nil {
		return false, err
	}
	return true, nil
}

// markInvalid sets the sticky flag and persists only that field.
func (s *TokenService) markInvalid(ctx context.Context, t *AccessToken) error {
	t.Invalid = true
	if err := s.store.UpdateCredential(ctx, t, "invalid"); err != nil {
		return fmt.Errorf("mark credential %s invalid: %w", t.ID, err)
	}
	s.logger.Warn("credential marked invalid", "credential_id", t.ID, "character_id", t.CharacterID)
	return nil
}

// Access returns the usable access token, refreshing first if the stored one
// has expired. An expired credential without a refresh token fails with
// ErrTokenExpired.
func (s *TokenService) Access(ctx context.Context, t *AccessToken) (string, error) {
	if t.Expired(s.now()) {
		if !t.CanRefresh() {
			return "", ErrTokenExpired
		}
		ok, err := s.Refresh(ctx, t)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrTokenInvalid
		}
	}
	return t.AccessToken, nil
}

// applyUpdate reconciles the credential with a fresh token/verify response
// pair. On initial creation every field is saved; afterwards only fields
// that actually changed are written, and the scope set is adjusted by delta
// rather than rewritten.
func (s *TokenService) applyUpdate(ctx context.Context, t *AccessToken, resp TokenResponse, verify VerifyResponse, initial bool) error {
	changed := make([]string, 0, 6)

	set := func(field string, dirty bool) {
		if dirty {
			changed = append(changed, field)
		}
	}
	set("updated", !t.Updated.Equal(resp.Updated))
	t.Updated = resp.Updated
	set("expires", !t.Expires.Equal(resp.Expires))
	t.Expires = resp.Expires
	set("access_token", t.AccessToken != resp.AccessToken)
	t.AccessToken = resp.AccessToken
	set("character_id", t.CharacterID != verify.CharacterID)
	t.CharacterID = verify.CharacterID
	set("character_name", t.CharacterName != verify.CharacterName)
	t.CharacterName = verify.CharacterName
	set("character_owner_hash", t.CharacterOwnerHash != verify.CharacterOwnerHash)
	t.CharacterOwnerHash = verify.CharacterOwnerHash

	if initial {
		t.TokenType = resp.Type
		if t.TokenType == "" {
			t.TokenType = verify.TokenType
		}
		t.Created = resp.Updated
		t.Scopes = verify.Scopes.Clone()
		if err := s.store.CreateCredential(ctx, t); err != nil {
			return fmt.Errorf("create credential: %w", err)
		}
		return nil
	}

	if len(changed) > 0 {
		if err := s.store.UpdateCredential(ctx, t, changed...); err != nil {
			return fmt.Errorf("update credential %s: %w", t.ID, err)
		}
	}

	remove := t.Scopes.Diff(verify.Scopes)
	add := verify.Scopes.Diff(t.Scopes)
	if len(remove) > 0 {
		if err := s.store.RemoveCredentialScopes(ctx, t.ID, remove); err != nil {
			return fmt.Errorf("remove scopes from credential %s: %w", t.ID, err)
		}
	}
	if len(add) > 0 {
		if err := s.store.AddCredentialScopes(ctx, t.ID, add); err != nil {
			return fmt.Errorf("add scopes to credential %s: %w", t.ID, err)
		}
	}
	if len(remove) > 0 || len(add) > 0 {
		t.Scopes = verify.Scopes.Clone()
	}

	return nil
}
