package reset

import "errors"

var (
	ErrInvalidInput = errors.New("reset: invalid input")
	ErrNotFound     = errors.New("reset: request not found")
	ErrInvalidToken = errors.New("reset: invalid or unknown token")
	ErrConflict     = errors.New("reset: conflicting state")
	ErrExpired      = errors.New("reset: token expired")
	ErrInternal     = errors.New("reset: internal error")

	// ErrPendingExists is returned by Tx.Insert when the user already has a
	// pending request committed by a concurrent caller.
	ErrPendingExists = errors.New("reset: pending request exists")
)
