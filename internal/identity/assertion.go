package identity

import (
	"fmt"
	"strings"
)

// CredentialAssertion is the canonical form of an inbound credential, either a
// normalized IdP profile or a password registration. PasswordHash carries the
// already-hashed secret for the password provider; the plaintext never reaches
// this package.
type CredentialAssertion struct {
	Email             string
	DisplayName       string
	AvatarURL         string
	SuggestedHandle   string
	Provider          Provider
	ProviderSubjectID string
	PasswordHash      string
}

// NormalizeAssertion trims and lower-cases the fields that participate in
// uniqueness decisions.
func NormalizeAssertion(assertion CredentialAssertion) CredentialAssertion {
	assertion.Email = normalizeEmail(assertion.Email)
	assertion.DisplayName = normalize(assertion.DisplayName)
	assertion.AvatarURL = normalize(assertion.AvatarURL)
	assertion.SuggestedHandle = strings.ToLower(normalize(assertion.SuggestedHandle))
	assertion.ProviderSubjectID = normalize(assertion.ProviderSubjectID)
	return assertion
}

func (a CredentialAssertion) validate() error {
	if a.Email == "" {
		return fmt.Errorf("%w: email required", ErrValidation)
	}
	if !KnownProvider(a.Provider) {
		return fmt.Errorf("%w: unknown provider %q", ErrValidation, a.Provider)
	}
	if a.Provider == ProviderPassword {
		if a.PasswordHash == "" {
			return fmt.Errorf("%w: password hash required", ErrValidation)
		}
	} else if a.ProviderSubjectID == "" {
		return fmt.Errorf("%w: provider subject id required", ErrValidation)
	}
	return nil
}

// handleBase derives the starting point for handle generation: the suggested
// handle, then the email local part, then the display name collapsed to one
// lower-case token.
func (a CredentialAssertion) handleBase() string {
	if a.SuggestedHandle != "" {
		return a.SuggestedHandle
	}
	if at := strings.IndexByte(a.Email, '@'); at > 0 {
		return a.Email[:at]
	}
	collapsed := strings.Join(strings.Fields(a.DisplayName), "")
	return strings.ToLower(collapsed)
}
