package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/backerauth/internal/identity"
	"github.com/tyemirov/backerauth/internal/session"
)

// AccountIDContextKey holds the authenticated account id on the gin context.
const AccountIDContextKey = "account_id"

// Profile is the account view returned to clients.
type Profile struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"emailVerified"`
	Username      string   `json:"username"`
	Providers     []string `json:"providers"`
}

// ProfileOf renders an account for clients.
func ProfileOf(account identity.Account) Profile {
	providers := make([]string, 0, 2)
	for _, provider := range []identity.Provider{identity.ProviderGoogle, identity.ProviderApple} {
		if account.ExternalID(provider) != "" {
			providers = append(providers, string(provider))
		}
	}
	return Profile{
		ID:            account.ID,
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		Username:      account.Username,
		Providers:     providers,
	}
}

// RequireAccessToken validates the bearer access token and injects the
// account id. Failures answer 401 with expired, invalid, or no_token.
func RequireAccessToken(issuer *session.Issuer) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		header := contextGin.GetHeader("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeNoToken})
			return
		}
		accountID, err := issuer.VerifyAccess(strings.TrimSpace(token))
		if err != nil {
			code := errorCodeInvalid
			if errors.Is(err, session.ErrAccessExpired) {
				code = errorCodeExpired
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
			return
		}
		contextGin.Set(AccountIDContextKey, accountID)
		contextGin.Next()
	}
}

// AccountIDFrom returns the account id injected by RequireAccessToken.
func AccountIDFrom(contextGin *gin.Context) (string, bool) {
	accountID := contextGin.GetString(AccountIDContextKey)
	return accountID, accountID != ""
}
