package reset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/tauth/internal/auth"
	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
	"github.com/MarcoPoloResearchLab/tauth/internal/mailer"
	"go.uber.org/zap"
)

var (
	// ErrIdentityNotFound indicates no account matches the supplied email.
	ErrIdentityNotFound = errors.New("reset: no account for email")
	// ErrEmptyInput indicates a missing token or replacement password.
	ErrEmptyInput = errors.New("reset: token and new password required")
	// ErrDeliveryFailed wraps mailer failures. The issued token stays valid
	// until expiry even when delivery fails.
	ErrDeliveryFailed = errors.New("reset: mail delivery failed")

	errMissingIdentities = errors.New("reset: identity service required")
	errMissingTokens     = errors.New("reset: token issuer required")
	errMissingHasher     = errors.New("reset: password hasher required")
	errMissingMailer     = errors.New("reset: mailer required")
	errMissingBaseURL    = errors.New("reset: frontend base url required")
)

// NotPasswordAccountError indicates the account signs in through an identity
// provider and has no password to reset.
type NotPasswordAccountError struct {
	Provider identity.Provider
}

func (e *NotPasswordAccountError) Error() string {
	return fmt.Sprintf("reset: account uses %s login", e.Provider)
}

// CoordinatorConfig bundles the collaborators of the reset handshake.
type CoordinatorConfig struct {
	Identities      *identity.Service
	Tokens          *auth.TokenIssuer
	Hasher          *auth.PasswordHasher
	Mailer          mailer.Mailer
	FrontendBaseURL string
	Logger          *zap.Logger
}

// Coordinator runs the time-boxed password-reset handshake: token issuance,
// delivery handoff, and consumption.
type Coordinator struct {
	identities *identity.Service
	tokens     *auth.TokenIssuer
	hasher     *auth.PasswordHasher
	mailer     mailer.Mailer
	baseURL    string
	logger     *zap.Logger
}

// NewCoordinator constructs the coordinator with validated dependencies.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	if cfg.Hasher == nil {
		return nil, errMissingHasher
	}
	if cfg.Mailer == nil {
		return nil, errMissingMailer
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.FrontendBaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		identities: cfg.Identities,
		tokens:     cfg.Tokens,
		hasher:     cfg.Hasher,
		mailer:     cfg.Mailer,
		baseURL:    baseURL,
		logger:     logger,
	}, nil
}

// Request mints a reset token for the email's account and hands it to the
// mailer with a pre-built deep link. Accounts without a password method
// receive nothing and the caller gets a typed condition instead.
func (c *Coordinator) Request(ctx context.Context, email string) error {
	record, err := c.identities.GetByEmail(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return err
	}

	if _, err := c.identities.PasswordMethod(ctx, record.ID); err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return err
		}
		provider, providerErr := c.identities.ProviderOf(ctx, record.ID)
		if providerErr != nil && !errors.Is(providerErr, identity.ErrNotFound) {
			return providerErr
		}
		return &NotPasswordAccountError{Provider: provider}
	}

	token, expiresAt, err := c.tokens.IssueResetToken(record)
	if err != nil {
		return err
	}

	request := mailer.ResetRequest{
		RecipientEmail: record.Email,
		RecipientName:  record.DisplayName,
		DeepLink:       c.baseURL + "/reset-password?token=" + url.QueryEscape(token),
		ExpiryMinutes:  int(c.tokens.ResetTTL().Minutes()),
	}
	if err := c.mailer.SendPasswordReset(ctx, request); err != nil {
		// The token was already minted and stays valid until expiry.
		c.logger.Error("reset mail delivery failed",
			zap.String("identity_id", record.ID),
			zap.Time("token_expires_at", expiresAt),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	c.logger.Info("reset token issued",
		zap.String("identity_id", record.ID),
		zap.Time("expires_at", expiresAt))
	return nil
}

// Consume verifies the reset token and replaces the stored password hash,
// creating the password method when absent. Tokens carry no consumed marker;
// validity ends only at expiry.
func (c *Coordinator) Consume(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" || newPassword == "" {
		return ErrEmptyInput
	}

	claims, err := c.tokens.Verify(token, auth.PurposeReset)
	if err != nil {
		return err
	}

	record, err := c.identities.GetByID(ctx, claims.Subject)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return err
	}

	hash, err := c.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := c.identities.SetPasswordHash(ctx, record.ID, hash); err != nil {
		return err
	}

	c.logger.Info("password reset completed", zap.String("identity_id", record.ID))
	return nil
}
