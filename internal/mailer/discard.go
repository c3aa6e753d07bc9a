package mailer

import (
	"context"

	"go.uber.org/zap"
)

// Discard returns a Mailer that logs and drops every message. Used when no
// SMTP relay is configured, typically in local development.
func Discard(logger *zap.Logger) Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &discardMailer{logger: logger}
}

type discardMailer struct {
	logger *zap.Logger
}

func (m *discardMailer) SendPasswordReset(_ context.Context, request ResetRequest) error {
	m.logger.Info("dropping reset mail, no smtp relay configured",
		zap.String("recipient", request.RecipientEmail))
	return nil
}
