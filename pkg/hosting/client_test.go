package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/backerauth/pkg/tokencodec"
)

const testSigningKey = "provider-entitlement-key-0123456789"

type fakeProvider struct {
	server *httptest.Server

	tokenCalls       atomic.Int32
	entitlementCalls atomic.Int32

	tokenHandler       func(w http.ResponseWriter, form url.Values)
	entitlementHandler func(w http.ResponseWriter, r *http.Request)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	provider := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		provider.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		provider.tokenHandler(w, r.PostForm)
	})
	mux.HandleFunc("/entitlement", func(w http.ResponseWriter, r *http.Request) {
		provider.entitlementCalls.Add(1)
		provider.entitlementHandler(w, r)
	})
	provider.server = httptest.NewServer(mux)
	t.Cleanup(provider.server.Close)
	return provider
}

func (provider *fakeProvider) config() ProviderConfig {
	return ProviderConfig{
		ID:                    "patronage",
		AuthorizeURL:          provider.server.URL + "/authorize",
		TokenURL:              provider.server.URL + "/token",
		EntitlementURL:        provider.server.URL + "/entitlement",
		ClientID:              "client-1",
		ClientSecret:          "secret-1",
		RedirectURI:           "https://app.example.com/connect/callback",
		EntitlementSigningKey: testSigningKey,
		Scopes:                []string{"identity", "memberships"},
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func mintEntitlement(t *testing.T, issuer string, extra tokencodec.Extra, ttl time.Duration) string {
	t.Helper()
	codec, err := tokencodec.New(tokencodec.Config{SigningKey: []byte(testSigningKey), Issuer: issuer})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	token, _, err := codec.Issue("member-1", tokencodec.TypeEntitlement, ttl, extra)
	if err != nil {
		t.Fatalf("issue entitlement: %v", err)
	}
	return token
}

func newTestClient(t *testing.T, provider *fakeProvider) *Client {
	t.Helper()
	client, err := NewClient(provider.config(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestProviderConfigValidate(t *testing.T) {
	valid := ProviderConfig{
		ID: "p", AuthorizeURL: "https://p/a", TokenURL: "https://p/t", EntitlementURL: "https://p/e",
		ClientID: "c", EntitlementSigningKey: "k",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	testCases := []struct {
		name    string
		mutate  func(*ProviderConfig)
		wantErr error
	}{
		{name: "id", mutate: func(c *ProviderConfig) { c.ID = "" }, wantErr: errMissingProviderID},
		{name: "authorize", mutate: func(c *ProviderConfig) { c.AuthorizeURL = "" }, wantErr: errMissingAuthorizeURL},
		{name: "token", mutate: func(c *ProviderConfig) { c.TokenURL = "" }, wantErr: errMissingTokenURL},
		{name: "entitlement", mutate: func(c *ProviderConfig) { c.EntitlementURL = "" }, wantErr: errMissingEntitlementURL},
		{name: "client", mutate: func(c *ProviderConfig) { c.ClientID = " " }, wantErr: errMissingClientID},
		{name: "key", mutate: func(c *ProviderConfig) { c.EntitlementSigningKey = "" }, wantErr: errMissingSigningKey},
	}
	for _, testCase := range testCases {
		config := valid
		testCase.mutate(&config)
		if err := config.Validate(); !errors.Is(err, testCase.wantErr) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestAuthorizationURLEmbedsUserInState(t *testing.T) {
	config := ProviderConfig{
		ID: "patronage", AuthorizeURL: "https://provider.example.com/oauth2/authorize", TokenURL: "https://provider.example.com/token",
		EntitlementURL: "https://provider.example.com/entitlement", ClientID: "client-1", RedirectURI: "https://app.example.com/cb",
		EntitlementSigningKey: "k", Scopes: []string{"identity"},
	}
	rawURL, err := AuthorizationURL(config, "account-42", "nonce-1")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	query := parsed.Query()
	if query.Get("client_id") != "client-1" || query.Get("response_type") != "code" || query.Get("redirect_uri") != "https://app.example.com/cb" {
		t.Fatalf("unexpected query %v", query)
	}
	if query.Get("scope") != "identity" {
		t.Fatalf("unexpected scope %q", query.Get("scope"))
	}
	userID, nonce, err := ParseState(query.Get("state"))
	if err != nil || userID != "account-42" || nonce != "nonce-1" {
		t.Fatalf("unexpected state round trip %q %q %v", userID, nonce, err)
	}

	if _, err := AuthorizationURL(config, "", "nonce"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for empty user, got %v", err)
	}
	for _, state := range []string{"", "no-dot", ".nonce", "!!!.nonce"} {
		if _, _, err := ParseState(state); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState for %q, got %v", state, err)
		}
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider(t)
	provider.tokenHandler = func(w http.ResponseWriter, form url.Values) {
		if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-1" || form.Get("client_id") != "client-1" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "pa-1", "refresh_token": "pr-1", "token_type": "Bearer", "expires_in": 3600})
	}
	client := newTestClient(t, provider)

	tokens, err := client.ExchangeAuthorizationCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens.AccessToken != "pa-1" || tokens.RefreshToken != "pr-1" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if time.Until(tokens.AccessExpiresAt) < 50*time.Minute {
		t.Fatalf("unexpected expiry %s", tokens.AccessExpiresAt)
	}

	if _, err := client.ExchangeAuthorizationCode(context.Background(), "bad-code"); !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
}

func TestExchangeAuthorizationCodeRequiresRefreshToken(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider(t)
	provider.tokenHandler = func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "pa-1", "token_type": "Bearer"})
	}
	client := newTestClient(t, provider)
	if _, err := client.ExchangeAuthorizationCode(context.Background(), "code"); !errors.Is(err, ErrMissingRefreshToken) {
		t.Fatalf("expected ErrMissingRefreshToken, got %v", err)
	}
}

func TestRefreshProviderAccessToken(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider(t)
	provider.tokenHandler = func(w http.ResponseWriter, form url.Values) {
		switch form.Get("refresh_token") {
		case "pr-keep":
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "pa-2", "token_type": "Bearer", "expires_in": 600})
		case "pr-rotate":
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "pa-3", "refresh_token": "pr-rotated", "token_type": "Bearer"})
		case "pr-down":
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "temporarily_unavailable"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		}
	}
	client := newTestClient(t, provider)
	ctx := context.Background()

	kept, err := client.RefreshProviderAccessToken(ctx, "pr-keep")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if kept.AccessToken != "pa-2" || kept.RefreshToken != "pr-keep" {
		t.Fatalf("expected stored refresh token to be kept, got %+v", kept)
	}

	rotated, err := client.RefreshProviderAccessToken(ctx, "pr-rotate")
	if err != nil {
		t.Fatalf("refresh with rotation: %v", err)
	}
	if rotated.RefreshToken != "pr-rotated" {
		t.Fatalf("expected rotated refresh token, got %+v", rotated)
	}
	if rotated.AccessExpiresAt.IsZero() {
		t.Fatalf("expected default access expiry")
	}

	if _, err := client.RefreshProviderAccessToken(ctx, "pr-revoked"); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
	if _, err := client.RefreshProviderAccessToken(ctx, ""); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired for empty refresh token, got %v", err)
	}
	if _, err := client.RefreshProviderAccessToken(ctx, "pr-down"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestExchangeForEntitlementToken(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider(t)
	valid := mintEntitlement(t, "patronage", tokencodec.Extra{Items: []string{"ep-1", "ep-2"}, Provider: "patronage", Series: "series-1"}, 10*time.Minute)
	wrongSeries := mintEntitlement(t, "patronage", tokencodec.Extra{Items: []string{"ep-9"}, Provider: "patronage", Series: "series-2"}, 10*time.Minute)
	foreignIssuer := mintEntitlement(t, "someone-else", tokencodec.Extra{Series: "series-1"}, 10*time.Minute)

	provider.entitlementHandler = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("series") != "series-1" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing series"})
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer pa-valid":
			writeJSON(w, http.StatusOK, map[string]any{"token": valid})
		case "Bearer pa-null":
			writeJSON(w, http.StatusOK, map[string]any{"token": nil})
		case "Bearer pa-forbidden":
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "not_a_member"})
		case "Bearer pa-wrong-series":
			writeJSON(w, http.StatusOK, map[string]any{"token": wrongSeries})
		case "Bearer pa-foreign":
			writeJSON(w, http.StatusOK, map[string]any{"token": foreignIssuer})
		case "Bearer pa-down":
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
		case "Bearer pa-teapot":
			writeJSON(w, http.StatusTeapot, map[string]string{"error": "teapot"})
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
	}
	client := newTestClient(t, provider)
	ctx := context.Background()

	result, err := client.ExchangeForEntitlementToken(ctx, "pa-valid", "series-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	entitled, ok := result.(Entitled)
	if !ok {
		t.Fatalf("expected Entitled, got %T", result)
	}
	if entitled.Token != valid || !entitled.Allows("ep-2") || entitled.Allows("ep-3") {
		t.Fatalf("unexpected entitlement %+v", entitled)
	}
	if entitled.ExpiresWithin(time.Now(), time.Minute) {
		t.Fatalf("fresh entitlement must not be stale")
	}

	for _, accessToken := range []string{"pa-null", "pa-forbidden"} {
		result, err := client.ExchangeForEntitlementToken(ctx, accessToken, "series-1")
		if err != nil {
			t.Fatalf("%s: not entitled must not be an error: %v", accessToken, err)
		}
		if _, ok := result.(NotEntitled); !ok || result.Allows("ep-1") {
			t.Fatalf("%s: expected NotEntitled, got %#v", accessToken, result)
		}
	}

	errorCases := []struct {
		accessToken string
		wantErr     error
	}{
		{accessToken: "pa-expired", wantErr: ErrAccessTokenRejected},
		{accessToken: "pa-wrong-series", wantErr: ErrInvalidEntitlement},
		{accessToken: "pa-foreign", wantErr: ErrInvalidEntitlement},
		{accessToken: "pa-down", wantErr: ErrUpstreamUnavailable},
		{accessToken: "pa-teapot", wantErr: ErrProviderRejected},
	}
	for _, errorCase := range errorCases {
		if _, err := client.ExchangeForEntitlementToken(ctx, errorCase.accessToken, "series-1"); !errors.Is(err, errorCase.wantErr) {
			t.Fatalf("%s: expected %v, got %v", errorCase.accessToken, errorCase.wantErr, err)
		}
	}
}

func TestExchangeForEntitlementTokenTimesOut(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	provider.entitlementHandler = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	client := newTestClient(t, provider)
	client.timeout = 50 * time.Millisecond

	if _, err := client.ExchangeForEntitlementToken(context.Background(), "pa-slow", "series-1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable on timeout, got %v", err)
	}
}

func TestExchangeForEntitlementTokenNetworkFailure(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider(t)
	client := newTestClient(t, provider)
	provider.server.Close()

	if _, err := client.ExchangeForEntitlementToken(context.Background(), "pa-valid", "series-1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}
