package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for the token lifecycle. Handlers and callers branch on
// these with errors.Is.
var (
	// ErrTokenInvalid means the provider rejected a specific token. It is
	// caught by Refresh and converted into the sticky invalid flag.
	ErrTokenInvalid = errors.New("provider rejected token")

	// ErrTokenExpired means the access token is past expiry and no refresh
	// token is available to renew it.
	ErrTokenExpired = errors.New("token expired and cannot be refreshed")

	// ErrNotRefreshable means Refresh was called on a credential without a
	// refresh token. This is a programmer error, not a provider condition.
	ErrNotRefreshable = errors.New("token has no refresh token")

	// ErrStateMismatch means a supplied (salt, hash) pair does not re-derive
	// from the session key it claims to belong to.
	ErrStateMismatch = errors.New("state hash does not match session and salt")

	// ErrDuplicate is returned by stores when a unique constraint is hit.
	ErrDuplicate = errors.New("record already exists")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("record not found")
)

// AuthenticationError means the provider did not accept our application
// credentials or authorization code. It is never retried.
type AuthenticationError struct {
	Status int
	Body   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("provider rejected application credentials: status %d: %s", e.Status, e.Body)
}

// StatusError captures an unexpected provider HTTP status outside the
// typed taxonomy.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}
