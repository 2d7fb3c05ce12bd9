package entity

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 64
	// MaxHandleLength bounds profile handles, including collision suffixes.
	MaxHandleLength = 32
)

var (
	// ErrInvalidID indicates an identifier is empty, oversized, or carries
	// characters the remote API rejects.
	ErrInvalidID = errors.New("entity: invalid id")
	// ErrInvalidHandle indicates a profile handle is empty, oversized, or not
	// strictly alphanumeric.
	ErrInvalidHandle = errors.New("entity: invalid handle")
)

// ValidateID checks that an identifier is well-formed for remote use: trimmed,
// non-empty, bounded, and limited to alphanumerics, dash and underscore.
func ValidateID(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if trimmed != raw {
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidID)
	}
	if len(raw) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	for _, r := range raw {
		if !isIDRune(r) {
			return fmt.Errorf("%w: character %q", ErrInvalidID, r)
		}
	}
	return nil
}

// ValidateHandle checks a profile handle: non-empty, at most MaxHandleLength,
// alphanumeric only. Uniqueness is case-insensitive and enforced per scenario
// by the callers that allocate handles.
func ValidateHandle(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHandle)
	}
	if len(raw) > MaxHandleLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidHandle, MaxHandleLength)
	}
	for _, r := range raw {
		if !isAlphanumeric(r) {
			return fmt.Errorf("%w: character %q", ErrInvalidHandle, r)
		}
	}
	return nil
}

func isIDRune(r rune) bool {
	return isAlphanumeric(r) || r == '-' || r == '_'
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
