// Package uuid generates and validates the identifiers used for queued actions,
// conflict logs and dead letters.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx, y in [89ab]
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a canonical UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// Normalize validates s and returns its lowercase canonical form.
// Identifiers arriving over HTTP go through here before hitting the store.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := Validate(s); err != nil {
		return "", err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return id.String(), nil
}
