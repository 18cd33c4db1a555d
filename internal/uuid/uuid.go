// Package uuid mints record identifiers: random ones for scans and
// content-derived ones for products and audit entries.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// namespace scopes content-derived identifiers to this application.
var namespace = uuid.MustParse("8f3d6c2e-5b1a-4e7f-9c0d-2a4b6e8f1c3d")

// New returns a random v4 identifier.
func New() string {
	return uuid.New().String()
}

// Derive returns a name-based v5 identifier. The same parts always
// produce the same identifier; the separator keeps part boundaries.
func Derive(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// Validate accepts the canonical hyphenated form of the identifiers this
// package mints (v4 or v5, RFC 4122 variant).
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid identifier %q: want 36 characters", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	if id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("invalid identifier %q: unexpected variant", s)
	}
	if v := id.Version(); v != 4 && v != 5 {
		return fmt.Errorf("invalid identifier %q: unsupported version %d", s, v)
	}
	return nil
}

// IsValid reports whether Validate accepts s.
func IsValid(s string) bool {
	return Validate(s) == nil
}
