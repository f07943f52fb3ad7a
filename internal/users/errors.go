package users

import "errors"

var (
	ErrInvalidInput = errors.New("users: invalid input")
	ErrNotFound     = errors.New("users: user not found")
	ErrConflict     = errors.New("users: conflicting change")
	ErrInternal     = errors.New("users: internal error")
)
