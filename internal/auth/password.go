package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor applied when none is configured.
const DefaultBcryptCost = 12

var (
	// ErrCredentialInvalid indicates the supplied password did not match. It
	// is deliberately indistinguishable from an unknown account to callers.
	ErrCredentialInvalid = errors.New("auth: invalid credentials")
	errEmptyPassword     = errors.New("auth: password must not be empty")
)

// PasswordHasher hashes and verifies password secrets with bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher constructs a hasher with the given bcrypt cost, falling
// back to DefaultBcryptCost for out-of-range values.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash derives a salted bcrypt digest from the plaintext secret.
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errEmptyPassword
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Compare checks the plaintext secret against a stored digest. The comparison
// is constant-time at the bcrypt level; the plaintext is never logged.
func (h *PasswordHasher) Compare(storedHash, plaintext string) error {
	if storedHash == "" || plaintext == "" {
		return ErrCredentialInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plaintext)) != nil {
		return ErrCredentialInvalid
	}
	return nil
}
