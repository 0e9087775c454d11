package authkit

import (
	"net/http"
	"time"

	"github.com/tyemirov/backerauth/pkg/hosting"
)

// ServerConfig configures verifier audiences, cookies, and provider links.
type ServerConfig struct {
	GoogleWebClientID string
	CookieDomain      string
	RefreshCookieName string
	RefreshTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	HostingProviders  map[string]hosting.ProviderConfig
}

// RefreshCookieNameFor derives the refresh cookie name from a prefix.
func RefreshCookieNameFor(prefix string) string {
	return prefix + "-refresh-token"
}
