package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewSMTPMailerValidatesConfig(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{FromAddress: "noreply@example.com"}); !errors.Is(err, errMissingSMTPHost) {
		t.Fatalf("expected missing host error, got %v", err)
	}
	if _, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"}); !errors.Is(err, errMissingFromAddress) {
		t.Fatalf("expected missing from address error, got %v", err)
	}
	if _, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", FromAddress: "noreply@example.com"}); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestSendPasswordResetHonorsCancellation(t *testing.T) {
	smtpMailer, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", FromAddress: "noreply@example.com"})
	if err != nil {
		t.Fatalf("failed to create mailer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = smtpMailer.SendPasswordReset(ctx, ResetRequest{RecipientEmail: "jane@example.com"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestResetBodyContainsLinkAndExpiry(t *testing.T) {
	body := resetBody(ResetRequest{
		RecipientName: "Jane Doe",
		DeepLink:      "http://localhost:3000/reset-password?token=abc",
		ExpiryMinutes: 15,
	})

	if !strings.Contains(body, "Jane Doe") {
		t.Fatalf("body missing recipient name: %s", body)
	}
	if !strings.Contains(body, `href="http://localhost:3000/reset-password?token=abc"`) {
		t.Fatalf("body missing deep link: %s", body)
	}
	if !strings.Contains(body, "15 minutes") {
		t.Fatalf("body missing expiry notice: %s", body)
	}
}

func TestResetBodyEscapesRecipientName(t *testing.T) {
	body := resetBody(ResetRequest{
		RecipientName: `<script>alert("x")</script>`,
		DeepLink:      "http://localhost:3000/reset-password?token=abc",
		ExpiryMinutes: 15,
	})

	if strings.Contains(body, "<script>") {
		t.Fatalf("recipient name must be escaped: %s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Fatalf("expected escaped recipient name in body: %s", body)
	}
}

func TestDiscardMailerDropsQuietly(t *testing.T) {
	if err := Discard(nil).SendPasswordReset(context.Background(), ResetRequest{RecipientEmail: "jane@example.com"}); err != nil {
		t.Fatalf("discard mailer must never fail: %v", err)
	}
}
