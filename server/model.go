package server

import (
	"sort"
	"strings"
	"time"
)

// Token type values reported by the provider verify endpoint.
const (
	TokenTypeCharacter   = "Character"
	TokenTypeCorporation = "Corporation"
)

// AccessToken is the persisted credential granted by the provider.
type AccessToken struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenType    string

	CharacterID        int64
	CharacterName      string
	CharacterOwnerHash string

	// OwnerID links the credential to a local user. Empty means the
	// credential is unclaimed.
	OwnerID string

	Scopes ScopeSet

	Created time.Time
	Updated time.Time
	Expires time.Time

	// Invalid is sticky: once the provider rejects the token it is never
	// trusted again.
	Invalid bool
}

// CanRefresh reports whether the credential can be renewed upon expiry.
func (t *AccessToken) CanRefresh() bool {
	return t.RefreshToken != ""
}

// Expired reports whether the access token is past its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// Valid reports whether the credential is usable without a refresh.
func (t *AccessToken) Valid(now time.Time) bool {
	return !t.Invalid && !t.Expired(now)
}

// CallbackRedirect correlates a browser session to an in-flight login
// attempt. The hash string doubles as the anti-forgery state value.
type CallbackRedirect struct {
	ID         string
	Salt       string
	HashString string
	SessionKey string
	URL        string
	AllowAuth  bool
	Created    time.Time
	TokenID    string
}

// Session is a cookie-backed browser session. UserID is empty until the
// session authenticates.
type Session struct {
	Key       string
	UserID    string
	Created   time.Time
	ExpiresAt time.Time
}

// Authenticated reports whether a user is logged in on this session.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// User is the local principal a credential may belong to.
type User struct {
	ID          string
	Name        string
	CharacterID int64
	Active      bool
	Created     time.Time
}

// ScopeSet is a set of named permission grants.
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from scope names.
func NewScopeSet(names ...string) ScopeSet {
	set := make(ScopeSet, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// ParseScopes splits a space-delimited scope string into a set.
func ParseScopes(raw string) ScopeSet {
	return NewScopeSet(strings.Fields(raw)...)
}

// Contains reports membership of a single scope.
func (s ScopeSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// ContainsAll reports whether every scope in other is present in s.
func (s ScopeSet) ContainsAll(other ScopeSet) bool {
	for name := range other {
		if !s.Contains(name) {
			return false
		}
	}
	return true
}

// Diff returns the scopes present in s but absent from other.
func (s ScopeSet) Diff(other ScopeSet) ScopeSet {
	out := make(ScopeSet)
	for name := range s {
		if !other.Contains(name) {
			out[name] = struct{}{}
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s ScopeSet) Clone() ScopeSet {
	out := make(ScopeSet, len(s))
	for name := range s {
		out[name] = struct{}{}
	}
	return out
}

// Sorted returns the scope names in lexical order.
func (s ScopeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// String renders the set as a space-delimited scope string.
func (s ScopeSet) String() string {
	return strings.Join(s.Sorted(), " ")
}
