package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the keyed record store behind the token lifecycle. Uniqueness of
// access tokens and hash strings is enforced here: the resolver's
// find-or-create is not atomic, so the store constraint is the backstop
// against duplicate-insert races. Redirect deletion is conditional so a
// duplicate callback fails closed instead of double-processing.
type Store interface {
	CreateCredential(ctx context.Context, t *AccessToken) error
	CredentialByID(ctx context.Context, id string) (*AccessToken, error)
	CredentialsByCharacter(ctx context.Context, characterID int64) ([]*AccessToken, error)
	UpdateCredential(ctx context.Context, t *AccessToken, fields ...string) error
	DeleteCredential(ctx context.Context, id string) error
	ExpiredCredentials(ctx context.Context, now time.Time) ([]*AccessToken, error)
	AddCredentialScopes(ctx context.Context, id string, scopes ScopeSet) error
	RemoveCredentialScopes(ctx context.Context, id string, scopes ScopeSet) error

	CreateRedirect(ctx context.Context, r *CallbackRedirect) error
	RedirectByState(ctx context.Context, hashString string) (*CallbackRedirect, error)
	SetRedirectToken(ctx context.Context, redirectID, tokenID string) error
	DeleteRedirect(ctx context.Context, id string) (bool, error)
	DeleteRedirectBySession(ctx context.Context, sessionKey string) error
	DeleteRedirectsBefore(ctx context.Context, cutoff time.Time) (int, error)

	SaveSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, key string) (*Session, error)
	DeleteSession(ctx context.Context, key string) error

	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)

	Close() error
}

// NewID generates a random identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random id: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Credential field names accepted by UpdateCredential.
var credentialFields = map[string]struct{}{
	"access_token":         {},
	"refresh_token":        {},
	"token_type":           {},
	"character_id":         {},
	"character_name":       {},
	"character_owner_hash": {},
	"owner_id":             {},
	"updated":              {},
	"expires":              {},
	"invalid":              {},
}

// MemoryStore keeps all state in process. Used in dev mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*AccessToken
	byToken     map[string]string
	redirects   map[string]*CallbackRedirect
	byState     map[string]string
	sessions    map[string]Session
	users       map[string]*User
}

// NewMemoryStore constructs the store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*AccessToken),
		byToken:     make(map[string]string),
		redirects:   make(map[string]*CallbackRedirect),
		byState:     make(map[string]string),
		sessions:    make(map[string]Session),
		users:       make(map[string]*User),
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func copyCredential(t *AccessToken) *AccessToken {
	out := *t
	out.Scopes = t.Scopes.Clone()
	return &out
}

// CreateCredential persists a new credential, enforcing access token
// uniqueness.
func (s *MemoryStore) CreateCredential(ctx context.Context, t *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID()
	}
	if _, exists := s.byToken[t.AccessToken]; exists {
		return fmt.Errorf("credential with access token: %w", ErrDuplicate)
	}
	if _, exists := s.credentials[t.ID]; exists {
		return fmt.Errorf("credential %s: %w", t.ID, ErrDuplicate)
	}
	s.credentials[t.ID] = copyCredential(t)
	s.byToken[t.AccessToken] = t.ID
	return nil
}

// CredentialByID fetches a credential.
func (s *MemoryStore) CredentialByID(ctx context.Context, id string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	return copyCredential(t), nil
}

// CredentialsByCharacter lists credentials for a character in ascending
// creation order. The stable order keeps candidate selection deterministic.
func (s *MemoryStore) CredentialsByCharacter(ctx context.Context, characterID int64) ([]*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AccessToken
	for _, t := range s.credentials {
		if t.CharacterID == characterID {
			out = append(out, copyCredential(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// UpdateCredential persists only the named fields of t.
func (s *MemoryStore) UpdateCredential(ctx context.Context, t *AccessToken, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.credentials[t.ID]
	if !ok {
		return fmt.Errorf("credential %s: %w", t.ID, ErrNotFound)
	}
	for _, field := range fields {
		if _, known := credentialFields[field]; !known {
			return fmt.Errorf("unknown credential field %q", field)
		}
		switch field {
		case "access_token":
			if other, exists := s.byToken[t.AccessToken]; exists && other != t.ID {
				return fmt.Errorf("credential with access token: %w", ErrDuplicate)
			}
			delete(s.byToken, stored.AccessToken)
			stored.AccessToken = t.AccessToken
			s.byToken[stored.AccessToken] = t.ID
		case "refresh_token":
			stored.RefreshToken = t.RefreshToken
		case "token_type":
			stored.TokenType = t.TokenType
		case "character_id":
			stored.CharacterID = t.CharacterID
		case "character_name":
			stored.CharacterName = t.CharacterName
		case "character_owner_hash":
			stored.CharacterOwnerHash = t.CharacterOwnerHash
		case "owner_id":
			stored.OwnerID = t.OwnerID
		case "updated":
			stored.Updated = t.Updated
		case "expires":
			stored.Expires = t.Expires
		case "invalid":
			stored.Invalid = t.Invalid
		}
	}
	return nil
}

// DeleteCredential removes a credential and any pending-login records
// attached to it.
func (s *MemoryStore) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	delete(s.byToken, t.AccessToken)
	delete(s.credentials, id)
	for rid, r := range s.redirects {
		if r.TokenID == id {
			delete(s.byState, r.HashString)
			delete(s.redirects, rid)
		}
	}
	return nil
}

// ExpiredCredentials lists credentials past expiry.
func (s *MemoryStore) ExpiredCredentials(ctx context.Context, now time.Time) ([]*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AccessToken
	for _, t := range s.credentials {
		if t.Expired(now) {
			out = append(out, copyCredential(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// AddCredentialScopes grants scopes to a credential.
func (s *MemoryStore) AddCredentialScopes(ctx context.Context, id string, scopes ScopeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	if t.Scopes == nil {
		t.Scopes = make(ScopeSet)
	}
	for name := range scopes {
		t.Scopes[name] = struct{}{}
	}
	return nil
}

// RemoveCredentialScopes revokes scopes from a credential.
func (s *MemoryStore) RemoveCredentialScopes(ctx context.Context, id string, scopes ScopeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	for name := range scopes {
		delete(t.Scopes, name)
	}
	return nil
}

// CreateRedirect persists a pending-login record, enforcing hash string
// uniqueness.
func (s *MemoryStore) CreateRedirect(ctx context.Context, r *CallbackRedirect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = NewID()
	}
	if _, exists := s.byState[r.HashString]; exists {
		return fmt.Errorf("redirect with hash string: %w", ErrDuplicate)
	}
	cp := *r
	s.redirects[r.ID] = &cp
	s.byState[r.HashString] = r.ID
	return nil
}

// RedirectByState fetches a pending-login record by its state value.
func (s *MemoryStore) RedirectByState(ctx context.Context, hashString string) (*CallbackRedirect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byState[hashString]
	if !ok {
		return nil, fmt.Errorf("redirect for state: %w", ErrNotFound)
	}
	cp := *s.redirects[id]
	return &cp, nil
}

// SetRedirectToken attaches a resolved credential to the record.
func (s *MemoryStore) SetRedirectToken(ctx context.Context, redirectID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.redirects[redirectID]
	if !ok {
		return fmt.Errorf("redirect %s: %w", redirectID, ErrNotFound)
	}
	r.TokenID = tokenID
	return nil
}

// DeleteRedirect removes a record, reporting whether this call was the one
// that removed it. Exactly-once consumption for racing callbacks.
func (s *MemoryStore) DeleteRedirect(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.redirects[id]
	if !ok {
		return false, nil
	}
	delete(s.byState, r.HashString)
	delete(s.redirects, id)
	return true, nil
}

// DeleteRedirectBySession drops any pending-login record for a session.
func (s *MemoryStore) DeleteRedirectBySession(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.redirects {
		if r.SessionKey == sessionKey {
			delete(s.byState, r.HashString)
			delete(s.redirects, id)
		}
	}
	return nil
}

// DeleteRedirectsBefore sweeps records older than the cutoff.
func (s *MemoryStore) DeleteRedirectsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.redirects {
		if r.Created.Before(cutoff) {
			delete(s.byState, r.HashString)
			delete(s.redirects, id)
			n++
		}
	}
	return n, nil
}

// SaveSession stores or replaces a session.
func (s *MemoryStore) SaveSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
	return nil
}

// GetSession retrieves a session by key.
func (s *MemoryStore) GetSession(ctx context.Context, key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// CreateUser persists a local user principal.
func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = NewID()
	}
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

// UserByID fetches a user.
func (s *MemoryStore) UserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}
