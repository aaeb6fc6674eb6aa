package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const nanoidLength = 21

// NewID returns a random 21 character nanoid. It falls back to a fixed
// marker only if the system random source fails.
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "unknown-id"
	}
	return id
}

// IsNanoid reports whether s has the shape of a default nanoid.
func IsNanoid(s string) bool {
	if len(s) != nanoidLength {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
