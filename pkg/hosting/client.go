package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/backerauth/pkg/tokencodec"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 5 * time.Second

// defaultAccessLifetime applies when a token response omits expires_in.
const defaultAccessLifetime = time.Hour

const maxResponseBytes = 1 << 20

var (
	// ErrLinkExpired indicates the provider refused the stored refresh token. The
	// link is dead and the user must authorize again.
	ErrLinkExpired = errors.New("hosting.link_expired")
	// ErrAccessTokenRejected indicates the entitlement endpoint refused the provider access token.
	ErrAccessTokenRejected = errors.New("hosting.access_token_rejected")
	// ErrUpstreamUnavailable indicates a network failure, timeout, or 5xx from the provider.
	ErrUpstreamUnavailable = errors.New("hosting.upstream_unavailable")
	// ErrProviderRejected indicates any other non-retryable provider refusal.
	ErrProviderRejected = errors.New("hosting.provider_rejected")
	// ErrInvalidEntitlement indicates the returned entitlement token failed verification.
	ErrInvalidEntitlement = errors.New("hosting.invalid_entitlement")
	// ErrMissingRefreshToken indicates a code exchange that granted no refresh token.
	ErrMissingRefreshToken = errors.New("hosting.missing_refresh_token")
)

// LinkTokens is the provider token pair for one account and provider.
type LinkTokens struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// Client performs the delegated token chain against one provider.
type Client struct {
	config     ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
	verifier   *tokencodec.Codec
	timeout    time.Duration
	now        func() time.Time
}

// NewClient validates config. A nil httpClient gets DefaultTimeout.
func NewClient(config ProviderConfig, httpClient *http.Client) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("hosting.new_client: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	verifier, err := tokencodec.New(tokencodec.Config{
		SigningKey: []byte(config.EntitlementSigningKey),
		Issuer:     config.entitlementIssuer(),
	})
	if err != nil {
		return nil, fmt.Errorf("hosting.new_client: %w", err)
	}
	return &Client{
		config:     config,
		oauth:      config.oauth2Config(),
		httpClient: httpClient,
		verifier:   verifier,
		timeout:    DefaultTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// ProviderID returns the configured provider id.
func (client *Client) ProviderID() string {
	return client.config.ID
}

// ExchangeAuthorizationCode trades the consent callback code for link tokens.
func (client *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (LinkTokens, error) {
	ctx, cancel := client.scoped(ctx)
	defer cancel()
	token, err := client.oauth.Exchange(ctx, code)
	if err != nil {
		return LinkTokens{}, fmt.Errorf("hosting.exchange_code.%s: %w", client.config.ID, classifyTokenError(err, ErrProviderRejected))
	}
	if token.RefreshToken == "" {
		return LinkTokens{}, fmt.Errorf("hosting.exchange_code.%s: %w", client.config.ID, ErrMissingRefreshToken)
	}
	return client.linkTokens(token), nil
}

// RefreshProviderAccessToken mints a provider access token from the stored
// refresh token. A refused refresh token yields ErrLinkExpired. When the
// provider rotates the refresh token the new value is returned.
func (client *Client) RefreshProviderAccessToken(ctx context.Context, refreshToken string) (LinkTokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return LinkTokens{}, fmt.Errorf("hosting.refresh.%s: %w", client.config.ID, ErrLinkExpired)
	}
	ctx, cancel := client.scoped(ctx)
	defer cancel()
	token, err := client.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return LinkTokens{}, fmt.Errorf("hosting.refresh.%s: %w", client.config.ID, classifyTokenError(err, ErrLinkExpired))
	}
	tokens := client.linkTokens(token)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

type entitlementResponse struct {
	Token *string `json:"token"`
}

// ExchangeForEntitlementToken asks the provider for a series entitlement.
// NotEntitled is a successful result; errors mean the check itself failed.
func (client *Client) ExchangeForEntitlementToken(ctx context.Context, accessToken string, seriesID string) (Entitlement, error) {
	ctx, cancel := client.scoped(ctx)
	defer cancel()

	endpoint, err := url.Parse(client.config.EntitlementURL)
	if err != nil {
		return nil, fmt.Errorf("hosting.entitlement.%s: %w", client.config.ID, err)
	}
	query := endpoint.Query()
	query.Set("series", seriesID)
	endpoint.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("hosting.entitlement.%s: %w", client.config.ID, err)
	}
	request.Header.Set("Accept", "application/json")
	bearer := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	response, err := bearer.Do(request)
	if err != nil {
		return nil, fmt.Errorf("hosting.entitlement.%s: %w: %w", client.config.ID, ErrUpstreamUnavailable, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("hosting.entitlement.%s: %w: %w", client.config.ID, ErrUpstreamUnavailable, err)
	}

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("hosting.entitlement.%s: %w", client.config.ID, ErrAccessTokenRejected)
	case response.StatusCode == http.StatusForbidden, response.StatusCode == http.StatusNotFound:
		return NotEntitled{}, nil
	case response.StatusCode >= http.StatusInternalServerError, response.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("hosting.entitlement.%s: status %d: %w", client.config.ID, response.StatusCode, ErrUpstreamUnavailable)
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("hosting.entitlement.%s: status %d: %w", client.config.ID, response.StatusCode, ErrProviderRejected)
	}

	var payload entitlementResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("hosting.entitlement.%s: %w: %w", client.config.ID, ErrInvalidEntitlement, err)
	}
	if payload.Token == nil || *payload.Token == "" {
		return NotEntitled{}, nil
	}
	return client.verifyEntitlement(*payload.Token, seriesID)
}

func (client *Client) verifyEntitlement(token string, seriesID string) (Entitlement, error) {
	claims, err := client.verifier.Verify(token, tokencodec.TypeEntitlement)
	if err != nil {
		return nil, fmt.Errorf("hosting.entitlement.%s: %w: %w", client.config.ID, ErrInvalidEntitlement, err)
	}
	if claims.Provider != "" && claims.Provider != client.config.ID {
		return nil, fmt.Errorf("hosting.entitlement.%s: provider %q: %w", client.config.ID, claims.Provider, ErrInvalidEntitlement)
	}
	if claims.Series != seriesID {
		return nil, fmt.Errorf("hosting.entitlement.%s: series %q: %w", client.config.ID, claims.Series, ErrInvalidEntitlement)
	}
	return Entitled{Token: token, Items: claims.Items, ExpiresAt: claims.Expiry()}, nil
}

func (client *Client) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	return context.WithTimeout(ctx, client.timeout)
}

func (client *Client) linkTokens(token *oauth2.Token) LinkTokens {
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = client.now().Add(defaultAccessLifetime)
	}
	return LinkTokens{
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		AccessExpiresAt: expiresAt,
	}
}

// classifyTokenError maps token endpoint failures. refused is returned for
// invalid_grant and 4xx responses.
func classifyTokenError(err error, refused error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}
	switch {
	case retrieveErr.ErrorCode == "invalid_grant", status == http.StatusUnauthorized:
		return refused
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
}
