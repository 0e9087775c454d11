// Package hosting talks to hosting providers: the delegated authorization
// code exchange, provider token refresh, and the per-series entitlement
// exchange.
package hosting

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

var (
	errMissingProviderID     = errors.New("hosting.config.missing_id")
	errMissingTokenURL       = errors.New("hosting.config.missing_token_url")
	errMissingAuthorizeURL   = errors.New("hosting.config.missing_authorize_url")
	errMissingEntitlementURL = errors.New("hosting.config.missing_entitlement_url")
	errMissingClientID       = errors.New("hosting.config.missing_client_id")
	errMissingSigningKey     = errors.New("hosting.config.missing_entitlement_signing_key")

	// ErrInvalidState indicates an authorization callback state that was not minted by AuthorizationURL.
	ErrInvalidState = errors.New("hosting.invalid_state")
)

// ProviderConfig describes one hosting provider.
type ProviderConfig struct {
	ID                    string   `mapstructure:"id" json:"id"`
	AuthorizeURL          string   `mapstructure:"authorize_url" json:"authorize_url"`
	TokenURL              string   `mapstructure:"token_url" json:"token_url"`
	EntitlementURL        string   `mapstructure:"entitlement_url" json:"entitlement_url"`
	ClientID              string   `mapstructure:"client_id" json:"client_id"`
	ClientSecret          string   `mapstructure:"client_secret" json:"-"`
	RedirectURI           string   `mapstructure:"redirect_uri" json:"redirect_uri"`
	EntitlementSigningKey string   `mapstructure:"entitlement_signing_key" json:"-"`
	EntitlementIssuer     string   `mapstructure:"entitlement_issuer" json:"entitlement_issuer"`
	Scopes                []string `mapstructure:"scopes" json:"scopes"`
}

// Validate reports the first missing required field.
func (config ProviderConfig) Validate() error {
	switch {
	case strings.TrimSpace(config.ID) == "":
		return errMissingProviderID
	case strings.TrimSpace(config.AuthorizeURL) == "":
		return fmt.Errorf("%s: %w", config.ID, errMissingAuthorizeURL)
	case strings.TrimSpace(config.TokenURL) == "":
		return fmt.Errorf("%s: %w", config.ID, errMissingTokenURL)
	case strings.TrimSpace(config.EntitlementURL) == "":
		return fmt.Errorf("%s: %w", config.ID, errMissingEntitlementURL)
	case strings.TrimSpace(config.ClientID) == "":
		return fmt.Errorf("%s: %w", config.ID, errMissingClientID)
	case config.EntitlementSigningKey == "":
		return fmt.Errorf("%s: %w", config.ID, errMissingSigningKey)
	}
	return nil
}

func (config ProviderConfig) entitlementIssuer() string {
	if config.EntitlementIssuer != "" {
		return config.EntitlementIssuer
	}
	return config.ID
}

func (config ProviderConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Scopes:       config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   config.AuthorizeURL,
			TokenURL:  config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizationURL builds the consent redirect for userID. The state carries
// the user id plus the caller's nonce so the callback can be matched.
func AuthorizationURL(config ProviderConfig, userID string, nonce string) (string, error) {
	if err := config.Validate(); err != nil {
		return "", fmt.Errorf("hosting.authorization_url: %w", err)
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(nonce) == "" {
		return "", fmt.Errorf("hosting.authorization_url: %w", ErrInvalidState)
	}
	return config.oauth2Config().AuthCodeURL(EncodeState(userID, nonce), oauth2.AccessTypeOffline), nil
}

// EncodeState joins userID and nonce into an opaque state value.
func EncodeState(userID string, nonce string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + nonce
}

// ParseState splits a state produced by EncodeState.
func ParseState(state string) (userID string, nonce string, err error) {
	encodedUser, nonce, found := strings.Cut(state, ".")
	if !found || encodedUser == "" || nonce == "" {
		return "", "", ErrInvalidState
	}
	decoded, decodeErr := base64.RawURLEncoding.DecodeString(encodedUser)
	if decodeErr != nil || len(decoded) == 0 {
		return "", "", ErrInvalidState
	}
	return string(decoded), nonce, nil
}
