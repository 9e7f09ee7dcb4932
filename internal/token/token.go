// Package token generates and validates mutation correlation tokens.
package token

import (
	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
)

// New returns a fresh random token.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is a canonical version 4 token as New produces.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns an INVALID_INPUT error if s is not a valid token.
func Validate(s string) error {
	if !Valid(s) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid token %q", s)
	}
	return nil
}
