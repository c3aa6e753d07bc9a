package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

// Purpose scopes a token to the flow it was minted for.
type Purpose string

const (
	PurposeSession Purpose = "session"
	PurposeReset   Purpose = "reset"
)

const (
	defaultSessionTTL = 7 * 24 * time.Hour
	defaultResetTTL   = 15 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingIssuer        = errors.New("auth: issuer must be provided")
	errMissingSubjectClaim  = errors.New("auth: subject claim must be provided")

	// ErrTokenExpired indicates the token is past its validity window.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenMalformed indicates the token could not be parsed or its claims
	// do not fit the requested purpose.
	ErrTokenMalformed = errors.New("auth: token malformed")
	// ErrTokenSignatureInvalid indicates the signature did not verify.
	ErrTokenSignatureInvalid = errors.New("auth: token signature invalid")
)

// SessionClaims is the JWT payload carried by session and reset tokens. The
// subject holds the identity id.
type SessionClaims struct {
	Email   string  `json:"email"`
	Role    string  `json:"role"`
	Purpose Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures stateless token issuance. ResetSecret is
// optional; when empty, reset tokens share the session secret.
type TokenIssuerConfig struct {
	SessionSecret []byte
	ResetSecret   []byte
	Issuer        string
	SessionTTL    time.Duration
	ResetTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and verifies HS256-signed session and reset tokens.
// Verification is stateless: nothing is persisted alongside the signature, so
// revocation before natural expiry is not supported.
type TokenIssuer struct {
	sessionSecret []byte
	resetSecret   []byte
	issuer        string
	sessionTTL    time.Duration
	resetTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with validated configuration.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SessionSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	resetSecret := cfg.ResetSecret
	if len(resetSecret) == 0 {
		resetSecret = cfg.SessionSecret
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = defaultResetTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		sessionSecret: append([]byte(nil), cfg.SessionSecret...),
		resetSecret:   append([]byte(nil), resetSecret...),
		issuer:        issuer,
		sessionTTL:    sessionTTL,
		resetTTL:      resetTTL,
		clock:         clock,
	}, nil
}

// SessionTTL reports the configured session token lifetime.
func (i *TokenIssuer) SessionTTL() time.Duration {
	return i.sessionTTL
}

// ResetTTL reports the configured reset token lifetime.
func (i *TokenIssuer) ResetTTL() time.Duration {
	return i.resetTTL
}

// IssueSessionToken mints a session token for the identity.
func (i *TokenIssuer) IssueSessionToken(record identity.Identity) (string, time.Time, error) {
	return i.issue(record, PurposeSession, i.sessionSecret, i.sessionTTL)
}

// IssueResetToken mints a short-lived reset token for the identity.
func (i *TokenIssuer) IssueResetToken(record identity.Identity) (string, time.Time, error) {
	return i.issue(record, PurposeReset, i.resetSecret, i.resetTTL)
}

func (i *TokenIssuer) issue(record identity.Identity, purpose Purpose, secret []byte, ttl time.Duration) (string, time.Time, error) {
	if record.ID == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(ttl)

	claims := SessionClaims{
		Email:   record.Email,
		Role:    string(record.Role),
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   record.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry, and purpose and returns the decoded claims.
func (i *TokenIssuer) Verify(tokenString string, purpose Purpose) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	secret := i.sessionSecret
	if purpose == PurposeReset {
		secret = i.resetSecret
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return SessionClaims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return SessionClaims{}, ErrTokenSignatureInvalid
		default:
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrTokenSignatureInvalid
	}
	if claims.Purpose != purpose {
		return SessionClaims{}, fmt.Errorf("%w: purpose %q does not match %q", ErrTokenMalformed, claims.Purpose, purpose)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, errMissingSubjectClaim)
	}
	return *claims, nil
}
