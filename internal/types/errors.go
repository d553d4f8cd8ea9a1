package types

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthorizationDenied is returned when the backend policy layer
	// rejects a mutation. Callers surface it to the user as is.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrValidation is returned for rows or requests missing required fields.
	ErrValidation = errors.New("validation failed")
)
