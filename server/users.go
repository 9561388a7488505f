package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// UserResolver resolves the local user a freshly minted credential belongs
// to, optionally creating one. Implementations must return (nil, nil) when
// no user can be resolved; the callback controller turns that into a 403.
type UserResolver interface {
	FromToken(ctx context.Context, token *AccessToken) (*User, error)
}

// UserFunc is an injectable user lookup or creation strategy keyed on a
// credential.
type UserFunc func(ctx context.Context, token *AccessToken) (*User, error)

// CredentialUserResolver is the default strategy: reuse the credential's
// owner, otherwise find a user through other stored credentials for the
// same character, otherwise create one when permitted. A resolved user is
// stamped onto the credential as its owner.
type CredentialUserResolver struct {
	store  Store
	logger *slog.Logger

	// FindUser overrides the stored-credential scan when set.
	FindUser UserFunc
	// CreateUser mints a new local user for an unknown character. Only
	// consulted when createUnknown is set.
	CreateUser UserFunc

	createUnknown bool
}

// NewCredentialUserResolver builds the default resolver.
func NewCredentialUserResolver(cfg Config, store Store, logger *slog.Logger) *CredentialUserResolver {
	return &CredentialUserResolver{
		store:         store,
		logger:        logger,
		createUnknown: cfg.Auth.CreateUnknownUser,
	}
}

// FromToken implements UserResolver.
func (r *CredentialUserResolver) FromToken(ctx context.Context, token *AccessToken) (*User, error) {
	if token == nil {
		return nil, nil
	}

	if token.OwnerID != "" {
		user, err := r.store.UserByID(ctx, token.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("load credential owner: %w", err)
		}
		return user, nil
	}

	user, err := r.find(ctx, token)
	if err != nil {
		return nil, err
	}

	if user == nil && r.createUnknown && r.CreateUser != nil {
		user, err = r.CreateUser(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("create user from credential: %w", err)
		}
		if user != nil {
			r.logger.Info("created new user from credential",
				"user_id", user.ID, "character_id", token.CharacterID)
		}
	}

	if user == nil {
		return nil, nil
	}

	token.OwnerID = user.ID
	if err := r.store.UpdateCredential(ctx, token, "owner_id"); err != nil {
		return nil, fmt.Errorf("assign credential owner: %w", err)
	}
	return user, nil
}

// find locates an existing user for the credential's character. With no
// injected function it scans stored credentials and accepts a single
// unambiguous owner.
func (r *CredentialUserResolver) find(ctx context.Context, token *AccessToken) (*User, error) {
	if r.FindUser != nil {
		return r.FindUser(ctx, token)
	}

	creds, err := r.store.CredentialsByCharacter(ctx, token.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("list credentials for character %d: %w", token.CharacterID, err)
	}

	owners := make(map[string]struct{})
	for _, t := range creds {
		if t.OwnerID != "" {
			owners[t.OwnerID] = struct{}{}
		}
	}
	if len(owners) != 1 {
		return nil, nil
	}

	var ownerID string
	for id := range owners {
		ownerID = id
	}
	user, err := r.store.UserByID(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", ownerID, err)
	}
	return user, nil
}
