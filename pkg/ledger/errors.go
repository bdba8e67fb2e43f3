package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/store"
)

// Failure kinds. Every error returned by the Ledger wraps at most one of these; callers test with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
)

func notFound(entity string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func accessDenied(entity string, id uuid.UUID) error {
	return fmt.Errorf("%s %s belongs to another group: %w", entity, id, ErrAccessDenied)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// loadErr turns a repository failure into NotFound or a wrapped storage error.
func loadErr(entity string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(entity, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", entity, id, err)
}
