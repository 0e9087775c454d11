// Package identity owns canonical accounts: the persistence boundary, the
// account resolution rules across identity providers, and email-link login.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a sign-in channel.
type Provider string

const (
	ProviderEmail  Provider = "email"
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

// ErrUnsupportedProvider indicates a provider outside the fixed set.
var ErrUnsupportedProvider = errors.New("identity.unsupported_provider")

// Federated reports whether the provider carries its own external id.
func (provider Provider) Federated() bool {
	return provider == ProviderGoogle || provider == ProviderApple
}

// ParseProvider validates a provider name.
func ParseProvider(value string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(value))) {
	case ProviderEmail:
		return ProviderEmail, nil
	case ProviderGoogle:
		return ProviderGoogle, nil
	case ProviderApple:
		return ProviderApple, nil
	default:
		return "", fmt.Errorf("identity.parse_provider %q: %w", value, ErrUnsupportedProvider)
	}
}

// Account is the canonical user identity. Empty strings mean "not set".
type Account struct {
	ID            string
	Email         string
	EmailVerified bool
	GoogleID      string
	AppleID       string
	Username      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExternalID returns the id linked for a federated provider.
func (account Account) ExternalID(provider Provider) string {
	switch provider {
	case ProviderGoogle:
		return account.GoogleID
	case ProviderApple:
		return account.AppleID
	default:
		return ""
	}
}

// AccountFields seeds a new account.
type AccountFields struct {
	Email         string
	EmailVerified bool
	GoogleID      string
	AppleID       string
}

// AccountPatch lists the fields an update changes; nil fields are untouched.
type AccountPatch struct {
	Email         *string
	EmailVerified *bool
	GoogleID      *string
	AppleID       *string
	Username      *string
}

// IsEmpty reports whether the patch changes nothing.
func (patch AccountPatch) IsEmpty() bool {
	return patch.Email == nil && patch.EmailVerified == nil && patch.GoogleID == nil && patch.AppleID == nil && patch.Username == nil
}

func fieldsWithExternalID(fields AccountFields, provider Provider, externalID string) AccountFields {
	switch provider {
	case ProviderGoogle:
		fields.GoogleID = externalID
	case ProviderApple:
		fields.AppleID = externalID
	}
	return fields
}

func patchWithExternalID(patch AccountPatch, provider Provider, externalID string) AccountPatch {
	value := externalID
	switch provider {
	case ProviderGoogle:
		patch.GoogleID = &value
	case ProviderApple:
		patch.AppleID = &value
	}
	return patch
}

func applyPatch(account Account, patch AccountPatch) Account {
	if patch.Email != nil {
		account.Email = NormalizeEmail(*patch.Email)
	}
	if patch.EmailVerified != nil {
		account.EmailVerified = *patch.EmailVerified
	}
	if patch.GoogleID != nil {
		account.GoogleID = *patch.GoogleID
	}
	if patch.AppleID != nil {
		account.AppleID = *patch.AppleID
	}
	if patch.Username != nil {
		account.Username = *patch.Username
	}
	return account
}

// NormalizeEmail trims and lower-cases an address so lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
