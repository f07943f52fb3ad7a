package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrForbidden          = errors.New("auth: permission denied")
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrInvalidRole        = errors.New("auth: invalid role")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrWeakPassword       = errors.New("auth: password does not meet policy")
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("auth: invalid token")
