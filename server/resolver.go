package server

import (
	"context"
	"fmt"
)

// GetOrCreateFromCode exchanges a fresh authorization code and decides
// whether an existing stored credential can serve it or a new one must be
// created.
//
// The resolution order is fixed: purge records whose character owner hash
// went stale, evict records claimed by a different local user, reuse the
// first existing record (by creation time) whose scope set covers the new
// grant and still refreshes, delete records the new grant supersedes, and
// only then create. The result carries at least the requested scopes and a
// current owner hash.
func (s *TokenService) GetOrCreateFromCode(ctx context.Context, code string, owner *User) (*AccessToken, error) {
	resp, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	verify, err := s.provider.VerifyToken(ctx, resp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("verify exchanged token: %w", err)
	}

	existing, err := s.store.CredentialsByCharacter(ctx, verify.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("list credentials for character %d: %w", verify.CharacterID, err)
	}

	// Owner hash changed: the external account controlling this character
	// is no longer the one the stored grants were issued under.
	if s.purgeOnOwnerChange {
		kept := existing[:0]
		for _, t := range existing {
			if t.CharacterOwnerHash != verify.CharacterOwnerHash {
				s.logger.Info("purging credential after account owner change",
					"credential_id", t.ID, "character_id", t.CharacterID)
				if err := s.store.DeleteCredential(ctx, t.ID); err != nil {
					return nil, fmt.Errorf("purge stale credential %s: %w", t.ID, err)
				}
				continue
			}
			kept = append(kept, t)
		}
		existing = kept
	}

	// One external character must not be claimed by two local users.
	if owner != nil {
		kept := existing[:0]
		for _, t := range existing {
			if t.OwnerID != "" && t.OwnerID != owner.ID {
				s.logger.Info("deleting credential claimed by another user",
					"credential_id", t.ID, "character_id", t.CharacterID, "owner_id", t.OwnerID)
				if err := s.store.DeleteCredential(ctx, t.ID); err != nil {
					return nil, fmt.Errorf("delete conflicting credential %s: %w", t.ID, err)
				}
				continue
			}
			kept = append(kept, t)
		}
		existing = kept
	}

	var resolved *AccessToken
	for _, t := range existing {
		if !t.Scopes.ContainsAll(verify.Scopes) {
			continue
		}
		if t.CanRefresh() {
			ok, err := s.Refresh(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("refresh candidate credential %s: %w", t.ID, err)
			}
			if ok {
				resolved = t
				break
			}
		}
		if verify.Scopes.ContainsAll(t.Scopes) {
			// The new grant covers everything this record has; it is
			// redundant once the new token lands.
			if err := s.store.DeleteCredential(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("delete superseded credential %s: %w", t.ID, err)
			}
		}
	}

	if resolved == nil {
		resolved = &AccessToken{
			ID:           NewID(),
			RefreshToken: resp.RefreshToken,
		}
		if err := s.applyUpdate(ctx, resolved, resp, verify, true); err != nil {
			return nil, err
		}
	}

	if owner != nil && resolved.OwnerID == "" {
		resolved.OwnerID = owner.ID
		if err := s.store.UpdateCredential(ctx, resolved, "owner_id"); err != nil {
			return nil, fmt.Errorf("assign credential owner: %w", err)
		}
	}

	return resolved, nil
}
