package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates the assertion was missing or malformed before
	// any store access happened.
	ErrValidation = errors.New("identity: invalid assertion")
	// ErrNotFound indicates no identity matched the lookup.
	ErrNotFound = errors.New("identity: not found")
	// ErrPersistence wraps transaction and connection failures from the store.
	ErrPersistence = errors.New("identity: persistence failure")
	// ErrHandleExhausted indicates the handle suffix search ran out of attempts.
	ErrHandleExhausted = errors.New("identity: no free handle available")
)

// ConflictError signals the provider-exclusivity policy: the email is already
// bound to a different sign-in provider.
type ConflictError struct {
	RequiredProvider Provider
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity: email already registered via %s", e.RequiredProvider)
}

// AsConflict unwraps a ConflictError from err when present.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

func persistence(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
