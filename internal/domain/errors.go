package domain

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrAuthRequired = errors.New("sign in required")
	ErrForbidden    = errors.New("forbidden")
)
