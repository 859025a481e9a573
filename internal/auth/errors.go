package auth

import "errors"

var (
	// ErrTokenInvalid is returned for tokens that fail signature, expiry,
	// issuer or claim checks.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrForbidden is returned when a role lacks a permission.
	ErrForbidden = errors.New("auth: insufficient permissions")

	// ErrInvalidRole is returned when minting a token for an unknown role.
	ErrInvalidRole = errors.New("auth: invalid role")
)
