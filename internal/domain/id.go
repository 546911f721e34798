package domain

import "github.com/google/uuid"

// NewID returns a prefixed opaque identifier, e.g. "run_1b9d6bcd".
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

// NewRunID allocates a run identifier. Run ids are never reused, so they
// carry the full uuid rather than the short form.
func NewRunID() string {
	return "run_" + uuid.New().String()
}
