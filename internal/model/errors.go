package model

import "github.com/pkg/errors"

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failed")

	// ErrForbidden is the validation failure of a sender outside the
	// conversation. errors.Is matches it against ErrValidation too.
	ErrForbidden = errors.Wrap(ErrValidation, "not a participant")
)
