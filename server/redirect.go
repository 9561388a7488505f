package server

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// GenerateSalt produces a random 128-bit hex-encoded salt.
func GenerateSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random salt: %v", err))
	}
	return hex.EncodeToString(buf)
}

// GenerateHash derives the anti-forgery state value from a session key and
// salt. Deterministic for a given pair.
func GenerateHash(sessionKey, salt string) string {
	sum := sha512.Sum512([]byte(sessionKey + salt))
	return hex.EncodeToString(sum[:])
}

// RedirectOptions carries optional fields for NewCallbackRedirect. A caller
// supplying Salt and HashString must supply a consistent pair.
type RedirectOptions struct {
	Salt       string
	HashString string
}

// NewCallbackRedirect builds a pending-login record for a session. The hash
// string is always re-derived and compared against any caller-supplied
// value, so an inconsistent (session, salt, hash) triple never persists.
func NewCallbackRedirect(sessionKey, targetURL string, allowAuth bool, opts RedirectOptions) (*CallbackRedirect, error) {
	if sessionKey == "" {
		return nil, errors.New("session key required")
	}

	salt := opts.Salt
	if salt == "" {
		salt = GenerateSalt()
	}
	derived := GenerateHash(sessionKey, salt)
	if opts.HashString != "" && opts.HashString != derived {
		return nil, ErrStateMismatch
	}

	if targetURL == "" {
		targetURL = "/"
	}

	return &CallbackRedirect{
		Salt:       salt,
		HashString: derived,
		SessionKey: sessionKey,
		URL:        targetURL,
		AllowAuth:  allowAuth,
		Created:    time.Now(),
	}, nil
}

// Validate recomputes the hash from the current request's session key and
// the stored salt, and compares it against the stored hash string. The
// provider-echoed state value is matched by the caller's lookup.
func (r *CallbackRedirect) Validate(sessionKey string) (bool, error) {
	if r.Salt == "" || r.HashString == "" {
		return false, errors.New("callback redirect is not yet populated")
	}
	derived := GenerateHash(sessionKey, r.Salt)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(r.HashString)) == 1, nil
}
