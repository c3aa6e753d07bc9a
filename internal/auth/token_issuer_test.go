package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

func testIdentity() identity.Identity {
	return identity.Identity{
		ID:    "identity-123",
		Email: "jane@example.com",
		Role:  identity.RoleUser,
	}
}

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SessionSecret: []byte("session-secret"),
		ResetSecret:   []byte("reset-secret"),
		Issuer:        "tauth",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	return issuer
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, fixedClock(now))

	token, expiresAt, err := issuer.IssueSessionToken(testIdentity())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if want := now.Add(7 * 24 * time.Hour); !expiresAt.Equal(want) {
		t.Fatalf("expected seven-day expiry %v, got %v", want, expiresAt)
	}

	claims, err := issuer.Verify(token, PurposeSession)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "identity-123" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Email != "jane@example.com" {
		t.Fatalf("unexpected email claim %q", claims.Email)
	}
	if claims.Role != "user" {
		t.Fatalf("unexpected role claim %q", claims.Role)
	}
	if claims.Purpose != PurposeSession {
		t.Fatalf("unexpected purpose %q", claims.Purpose)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, fixedClock(now))

	token, _, err := issuer.IssueSessionToken(testIdentity())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	lateIssuer := newTestIssuer(t, fixedClock(now.Add(7*24*time.Hour+time.Minute)))
	if _, err := lateIssuer.Verify(token, PurposeSession); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestVerifyRejectsPurposeMismatch(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, fixedClock(now))

	resetToken, _, err := issuer.IssueResetToken(testIdentity())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := issuer.Verify(resetToken, PurposeSession); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected malformed error for reset token on session path, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, fixedClock(now))

	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SessionSecret: []byte("some-other-secret"),
		Issuer:        "tauth",
		Clock:         fixedClock(now),
	})
	if err != nil {
		t.Fatalf("failed to create foreign issuer: %v", err)
	}
	token, _, err := foreign.IssueSessionToken(testIdentity())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := issuer.Verify(token, PurposeSession); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	issuer := newTestIssuer(t, fixedClock(time.Unix(1700000000, 0).UTC()))

	if _, err := issuer.Verify("not-a-jwt", PurposeSession); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := issuer.Verify("   ", PurposeSession); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected malformed error for blank token, got %v", err)
	}
}

func TestResetSecretFallsBackToSessionSecret(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SessionSecret: []byte("only-secret"),
		Issuer:        "tauth",
		Clock:         fixedClock(now),
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	token, expiresAt, err := issuer.IssueResetToken(testIdentity())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if want := now.Add(15 * time.Minute); !expiresAt.Equal(want) {
		t.Fatalf("expected fifteen-minute expiry %v, got %v", want, expiresAt)
	}

	claims, err := issuer.Verify(token, PurposeReset)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Purpose != PurposeReset {
		t.Fatalf("unexpected purpose %q", claims.Purpose)
	}
}

func TestResetTokensDoNotVerifyWithSessionSecret(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, fixedClock(now))

	token, _, err := issuer.IssueResetToken(testIdentity())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// Distinct secrets are configured, so the session path must not accept
	// reset tokens even before the purpose check runs.
	if _, err := issuer.Verify(token, PurposeSession); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "tauth"}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SessionSecret: []byte("x")}); !errors.Is(err, errMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestIssueRejectsEmptyIdentityID(t *testing.T) {
	issuer := newTestIssuer(t, fixedClock(time.Unix(1700000000, 0).UTC()))

	if _, _, err := issuer.IssueSessionToken(identity.Identity{}); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
