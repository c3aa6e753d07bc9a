package mailer

import (
	"context"
	"errors"
	"fmt"
	"html"

	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"
)

var (
	errMissingSMTPHost    = errors.New("mailer: smtp host required")
	errMissingFromAddress = errors.New("mailer: from address required")
)

// ResetRequest carries everything needed to deliver a password-reset link.
type ResetRequest struct {
	RecipientEmail string
	RecipientName  string
	DeepLink       string
	ExpiryMinutes  int
}

// Mailer delivers transactional mail. Implementations must be safe for
// concurrent use.
type Mailer interface {
	SendPasswordReset(ctx context.Context, request ResetRequest) error
}

// SMTPConfig bundles the transport settings for the SMTP mailer.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Logger      *zap.Logger
}

// SMTPMailer sends reset mail through an authenticated SMTP relay.
type SMTPMailer struct {
	dialer      *gomail.Dialer
	fromAddress string
	fromName    string
	logger      *zap.Logger
}

// NewSMTPMailer constructs the mailer with validated configuration.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errMissingSMTPHost
	}
	if cfg.FromAddress == "" {
		return nil, errMissingFromAddress
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPMailer{
		dialer:      gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password),
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		logger:      logger,
	}, nil
}

// SendPasswordReset delivers the reset deep link to the recipient.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, request ResetRequest) error {
	// gomail dials synchronously without context support; honor cancellation
	// before committing to the send.
	if err := ctx.Err(); err != nil {
		return err
	}

	message := gomail.NewMessage()
	message.SetAddressHeader("From", m.fromAddress, m.fromName)
	message.SetHeader("To", request.RecipientEmail)
	message.SetHeader("Subject", "Password Reset Request")
	message.SetBody("text/html", resetBody(request))

	if err := m.dialer.DialAndSend(message); err != nil {
		return fmt.Errorf("mailer: send reset mail: %w", err)
	}
	m.logger.Info("reset mail sent", zap.String("recipient", request.RecipientEmail))
	return nil
}

func resetBody(request ResetRequest) string {
	// The recipient name originates from user-editable profile fields.
	return fmt.Sprintf(
		"<p>Hi <strong>%s</strong>,</p>"+
			"<p>You requested to reset your password.</p>"+
			`<p><a href="%s" target="_blank">Click here to reset your password</a></p>`+
			"<p>This link will expire in %d minutes.</p>"+
			"<p>If you didn't request this, please ignore this email.</p>",
		html.EscapeString(request.RecipientName), request.DeepLink, request.ExpiryMinutes,
	)
}
