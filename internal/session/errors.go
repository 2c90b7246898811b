package session

import "errors"

var (
	// ErrInvalidArgument is returned for malformed request fields (bad handle,
	// bad email, short password).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when join collides with a live account's email or handle.
	ErrConflict = errors.New("conflict")

	// ErrAuthenticationFailed covers both unknown identifier and wrong password,
	// deliberately indistinguishable to the caller.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidToken is returned for malformed, expired, or superseded tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnauthenticated is returned when no valid session context exists at all.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned for a valid session targeting a resource it does not own.
	ErrForbidden = errors.New("forbidden")
)

// Status reports the outcome of a revocation-style operation. Repeating such an
// operation is never an error; the second call reports StatusAlreadyRevoked.
type Status string

const (
	StatusRevoked        Status = "revoked"
	StatusAlreadyRevoked Status = "already_revoked"
)
