package invite

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("invitation not found")
	ErrNotActive    = errors.New("invitation not active")
)
