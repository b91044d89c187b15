// Package uid issues identifiers for tasks and requests.
package uid

import "github.com/google/uuid"

// New generates a random identifier.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether id is a well-formed UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
