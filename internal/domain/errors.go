package domain

import "errors"

var (
	// ErrNotFound is returned when a run, chat session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated is returned when no principal is attached to a request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRunTerminal is returned when writing to a run that already finished.
	ErrRunTerminal = errors.New("run already terminal")
)
