// Package authclient talks to the backerauth HTTP endpoints on behalf of an
// app or CLI. It keeps the refresh cookie in a cookie jar and implements
// tokencache.SessionRefresher.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/backerauth/pkg/tokencache"
)

// DefaultTimeout bounds every call to the auth server.
const DefaultTimeout = 5 * time.Second

const maxResponseBytes = 1 << 20

var (
	// ErrAuthenticationFailed indicates a sign-in the server refused.
	ErrAuthenticationFailed = errors.New("authclient.authentication_failed")
	// ErrRequestRejected indicates a 4xx other than an authentication failure.
	ErrRequestRejected = errors.New("authclient.request_rejected")
	// ErrMissingBaseURL indicates a Config without BaseURL.
	ErrMissingBaseURL = errors.New("authclient.missing_base_url")
)

// Profile is the account view returned by the server.
type Profile struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"emailVerified"`
	Username      string   `json:"username"`
	Providers     []string `json:"providers"`
}

// Session is the result of a successful sign-in.
type Session struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	User         Profile `json:"user"`
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	CookiePrefix string
	HTTPClient   *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	cookieName string
	httpClient *http.Client
}

var _ tokencache.SessionRefresher = (*Client)(nil)
var _ tokencache.SessionTerminator = (*Client)(nil)

// New builds a Client with its own cookie jar. A supplied HTTPClient is copied
// and given the jar.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("authclient.new: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("authclient.new: %w", err)
	}
	httpClient := &http.Client{Timeout: DefaultTimeout}
	if config.HTTPClient != nil {
		copied := *config.HTTPClient
		httpClient = &copied
	}
	httpClient.Jar = jar
	prefix := strings.TrimSpace(config.CookiePrefix)
	if prefix == "" {
		prefix = "app"
	}
	return &Client{baseURL: baseURL, cookieName: prefix + "-refresh-token", httpClient: httpClient}, nil
}

// RequestEmailLogin asks the server to mail a one-time code.
func (client *Client) RequestEmailLogin(ctx context.Context, email string) error {
	return client.call(ctx, "email", http.MethodPost, "/auth/email", "", map[string]string{"email": email}, nil)
}

// CompleteEmailLogin exchanges the mailed code for a session.
func (client *Client) CompleteEmailLogin(ctx context.Context, code string) (Session, error) {
	return client.signIn(ctx, "otp", "/auth/otp", map[string]string{"otp": code})
}

// SignInWithGoogle exchanges a Google ID token for a session.
func (client *Client) SignInWithGoogle(ctx context.Context, idToken string) (Session, error) {
	return client.signIn(ctx, "google", "/auth/google", map[string]string{"providerIdToken": idToken})
}

// SignInWithApple exchanges a Firebase ID token of an Apple user for a session.
func (client *Client) SignInWithApple(ctx context.Context, idToken string) (Session, error) {
	return client.signIn(ctx, "apple", "/auth/apple", map[string]string{"providerIdToken": idToken})
}

func (client *Client) signIn(ctx context.Context, operation string, path string, body map[string]string) (Session, error) {
	var session Session
	if err := client.call(ctx, operation, http.MethodPost, path, "", body, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// RefreshAccess mints a new access token from the refresh cookie.
func (client *Client) RefreshAccess(ctx context.Context) (string, error) {
	var response struct {
		AccessToken string `json:"accessToken"`
	}
	if err := client.call(ctx, "refresh_access", http.MethodPost, "/auth/refresh/access", "", map[string]string{}, &response); err != nil {
		return "", err
	}
	return response.AccessToken, nil
}

// RefreshRefresh rotates the refresh cookie and returns the new value.
func (client *Client) RefreshRefresh(ctx context.Context) (string, error) {
	var response struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := client.call(ctx, "refresh_refresh", http.MethodPost, "/auth/refresh/refresh", "", map[string]string{}, &response); err != nil {
		return "", err
	}
	return response.RefreshToken, nil
}

// Logout revokes the refresh token and drops the cookie.
func (client *Client) Logout(ctx context.Context) error {
	err := client.call(ctx, "logout", http.MethodPost, "/auth/logout", "", map[string]string{}, nil)
	client.RestoreRefreshToken("")
	return err
}

// Me returns the signed-in account.
func (client *Client) Me(ctx context.Context, accessToken string) (Profile, error) {
	var profile Profile
	if err := client.call(ctx, "me", http.MethodGet, "/api/me", accessToken, nil, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Authorization is a consent redirect and the nonce its callback state must
// carry. Hand the nonce to Orchestrator.ExpectAuthorization before opening URL.
type Authorization struct {
	URL   string `json:"url"`
	Nonce string `json:"nonce"`
}

// AuthorizeURL returns the consent redirect for linking a hosting provider.
func (client *Client) AuthorizeURL(ctx context.Context, accessToken string, providerID string) (Authorization, error) {
	var response Authorization
	path := "/api/providers/" + url.PathEscape(providerID) + "/authorize"
	if err := client.call(ctx, "authorize_url", http.MethodGet, path, accessToken, nil, &response); err != nil {
		return Authorization{}, err
	}
	return response, nil
}

// RefreshToken returns the refresh cookie value held in the jar.
func (client *Client) RefreshToken() string {
	for _, cookie := range client.httpClient.Jar.Cookies(client.baseURL) {
		if cookie.Name == client.cookieName {
			return cookie.Value
		}
	}
	return ""
}

// RestoreRefreshToken seeds the jar with a refresh token persisted by the
// caller. An empty token removes the cookie.
func (client *Client) RestoreRefreshToken(token string) {
	cookie := &http.Cookie{Name: client.cookieName, Value: token, Path: "/"}
	if token == "" {
		cookie.MaxAge = -1
	}
	client.httpClient.Jar.SetCookies(client.baseURL, []*http.Cookie{cookie})
}

type errorBody struct {
	Error string `json:"error"`
}

func (client *Client) call(ctx context.Context, operation string, method string, path string, bearer string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("authclient.%s: %w", operation, err)
		}
		payload = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL.String()+path, payload)
	if err != nil {
		return fmt.Errorf("authclient.%s: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("authclient.%s: %w: %w", operation, tokencache.ErrUpstreamUnavailable, err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("authclient.%s: %w: %w", operation, tokencache.ErrUpstreamUnavailable, err)
	}

	if response.StatusCode >= http.StatusBadRequest {
		var failure errorBody
		_ = json.Unmarshal(data, &failure)
		return fmt.Errorf("authclient.%s: status %d %q: %w", operation, response.StatusCode, failure.Error, classifyStatus(response.StatusCode, failure.Error))
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("authclient.%s: decode: %w", operation, err)
	}
	return nil
}

func classifyStatus(status int, code string) error {
	switch {
	case status == http.StatusUnauthorized && code == "expired":
		return tokencache.ErrSessionExpired
	case status == http.StatusUnauthorized && (code == "invalid" || code == "no_token"):
		return tokencache.ErrSessionInvalid
	case status == http.StatusUnauthorized:
		return ErrAuthenticationFailed
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return tokencache.ErrUpstreamUnavailable
	default:
		return ErrRequestRejected
	}
}
