package audit

import "errors"

var (
	ErrInvalidEntry  = errors.New("audit: invalid entry")
	ErrInvalidFilter = errors.New("audit: invalid filter")
	ErrChainBroken   = errors.New("audit: hash chain broken")
)
