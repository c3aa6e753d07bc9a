package reset

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tauth/internal/auth"
	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
	"github.com/MarcoPoloResearchLab/tauth/internal/mailer"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type captureMailer struct {
	requests []mailer.ResetRequest
	fail     error
}

func (m *captureMailer) SendPasswordReset(_ context.Context, request mailer.ResetRequest) error {
	if m.fail != nil {
		return m.fail
	}
	m.requests = append(m.requests, request)
	return nil
}

type resetFixture struct {
	coordinator *Coordinator
	identities  *identity.Service
	tokens      *auth.TokenIssuer
	hasher      *auth.PasswordHasher
	mailer      *captureMailer
}

func newResetFixture(t *testing.T, clock func() time.Time) *resetFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&identity.Identity{}, &identity.AuthMethod{}, &identity.Activity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	identities, err := identity.NewService(identity.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create identity service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SessionSecret: []byte("session-secret"),
		ResetSecret:   []byte("reset-secret"),
		Issuer:        "tauth",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	hasher := auth.NewPasswordHasher(bcrypt.MinCost)
	capture := &captureMailer{}

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Identities:      identities,
		Tokens:          tokens,
		Hasher:          hasher,
		Mailer:          capture,
		FrontendBaseURL: "http://localhost:3000/",
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return &resetFixture{
		coordinator: coordinator,
		identities:  identities,
		tokens:      tokens,
		hasher:      hasher,
		mailer:      capture,
	}
}

func (f *resetFixture) seedPasswordAccount(t *testing.T, email, password string) identity.Identity {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	if err != nil {
		t.Fatalf("failed to hash seed password: %v", err)
	}
	outcome, err := f.identities.Reconcile(context.Background(), identity.CredentialAssertion{
		Email:        email,
		DisplayName:  "Jane Doe",
		Provider:     identity.ProviderPassword,
		PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return outcome.Identity
}

func tokenFromDeepLink(t *testing.T, deepLink string) string {
	t.Helper()
	parsed, err := url.Parse(deepLink)
	if err != nil {
		t.Fatalf("failed to parse deep link %q: %v", deepLink, err)
	}
	token := parsed.Query().Get("token")
	if token == "" {
		t.Fatalf("deep link %q carries no token", deepLink)
	}
	return token
}

func TestResetHandshakeReplacesPassword(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	fixture := newResetFixture(t, clock)
	ctx := context.Background()

	record := fixture.seedPasswordAccount(t, "jane@example.com", "old-password")

	if err := fixture.coordinator.Request(ctx, "jane@example.com"); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(fixture.mailer.requests) != 1 {
		t.Fatalf("expected one mail, got %d", len(fixture.mailer.requests))
	}
	mail := fixture.mailer.requests[0]
	if mail.RecipientEmail != "jane@example.com" {
		t.Fatalf("unexpected recipient %q", mail.RecipientEmail)
	}
	if mail.ExpiryMinutes != 15 {
		t.Fatalf("expected fifteen-minute expiry notice, got %d", mail.ExpiryMinutes)
	}

	token := tokenFromDeepLink(t, mail.DeepLink)
	if err := fixture.coordinator.Consume(ctx, token, "new-password"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	method, err := fixture.identities.PasswordMethod(ctx, record.ID)
	if err != nil {
		t.Fatalf("password method lookup failed: %v", err)
	}
	if err := fixture.hasher.Compare(*method.PasswordHash, "old-password"); !errors.Is(err, auth.ErrCredentialInvalid) {
		t.Fatalf("old password must no longer verify, got %v", err)
	}
	if err := fixture.hasher.Compare(*method.PasswordHash, "new-password"); err != nil {
		t.Fatalf("new password must verify: %v", err)
	}
}

func TestRequestRejectsUnknownEmail(t *testing.T) {
	fixture := newResetFixture(t, time.Now)

	err := fixture.coordinator.Request(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected identity not found, got %v", err)
	}
	if len(fixture.mailer.requests) != 0 {
		t.Fatalf("no mail may be sent for unknown accounts")
	}
}

func TestRequestRejectsProviderBackedAccount(t *testing.T) {
	fixture := newResetFixture(t, time.Now)
	ctx := context.Background()

	_, err := fixture.identities.Reconcile(ctx, identity.CredentialAssertion{
		Email:             "jane@example.com",
		DisplayName:       "Jane Doe",
		Provider:          identity.ProviderGoogle,
		ProviderSubjectID: "g-123",
	})
	if err != nil {
		t.Fatalf("failed to seed google account: %v", err)
	}

	err = fixture.coordinator.Request(ctx, "jane@example.com")
	var notPassword *NotPasswordAccountError
	if !errors.As(err, &notPassword) {
		t.Fatalf("expected not-password-account error, got %v", err)
	}
	if notPassword.Provider != identity.ProviderGoogle {
		t.Fatalf("expected error to name google, got %q", notPassword.Provider)
	}
	if len(fixture.mailer.requests) != 0 {
		t.Fatalf("no mail may be sent for provider-backed accounts")
	}
}

func TestRequestSurfacesDeliveryFailure(t *testing.T) {
	fixture := newResetFixture(t, time.Now)
	fixture.seedPasswordAccount(t, "jane@example.com", "old-password")
	fixture.mailer.fail = errors.New("smtp relay unavailable")

	err := fixture.coordinator.Request(context.Background(), "jane@example.com")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
}

func TestConsumeRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	fixture := newResetFixture(t, func() time.Time { return issuedAt.Add(16 * time.Minute) })
	record := fixture.seedPasswordAccount(t, "jane@example.com", "old-password")

	pastIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SessionSecret: []byte("session-secret"),
		ResetSecret:   []byte("reset-secret"),
		Issuer:        "tauth",
		Clock:         func() time.Time { return issuedAt },
	})
	if err != nil {
		t.Fatalf("failed to create past issuer: %v", err)
	}
	token, _, err := pastIssuer.IssueResetToken(record)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	err = fixture.coordinator.Consume(context.Background(), token, "new-password")
	if !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestConsumeRejectsEmptyInput(t *testing.T) {
	fixture := newResetFixture(t, time.Now)
	ctx := context.Background()

	if err := fixture.coordinator.Consume(ctx, "", "new-password"); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error, got %v", err)
	}
	if err := fixture.coordinator.Consume(ctx, "some-token", ""); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error, got %v", err)
	}
}

func TestConsumeRejectsSessionToken(t *testing.T) {
	fixture := newResetFixture(t, time.Now)
	record := fixture.seedPasswordAccount(t, "jane@example.com", "old-password")

	sessionToken, _, err := fixture.tokens.IssueSessionToken(record)
	if err != nil {
		t.Fatalf("failed to mint session token: %v", err)
	}

	err = fixture.coordinator.Consume(context.Background(), sessionToken, "new-password")
	if err == nil {
		t.Fatalf("expected session token to be rejected on the reset path")
	}
}
