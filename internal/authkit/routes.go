package authkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/backerauth/internal/identity"
	"github.com/tyemirov/backerauth/internal/session"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidJSON          = "invalid_json"
	errorCodeInvalidEmail         = "invalid_email"
	errorCodeHTTPSRequired        = "https_required"
	errorCodeAuthenticationFailed = "authentication_failed"
	errorCodeUnavailable          = "unavailable"
	errorCodeExpired              = "expired"
	errorCodeInvalid              = "invalid"
	errorCodeNoToken              = "no_token"
)

// Services are the collaborators behind the auth routes.
type Services struct {
	Resolver        *identity.Resolver
	Issuer          *session.Issuer
	GoogleValidator GoogleTokenValidator
	AppleVerifier   AppleTokenVerifier
	Metrics         MetricsRecorder
	Logger          *zap.Logger
}

type authHandlers struct {
	configuration ServerConfig
	services      Services
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// MountAuthRoutes registers the sign-in, refresh, and logout endpoints under /auth.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, services Services) {
	if services.Resolver == nil || services.Issuer == nil {
		panic("authkit: resolver and issuer are required")
	}
	handlers := &authHandlers{
		configuration: configuration,
		services:      services,
		logger:        services.Logger,
		metrics:       services.Metrics,
	}
	if handlers.logger == nil {
		handlers.logger = zap.NewNop()
	}
	if handlers.metrics == nil {
		handlers.metrics = noopMetrics{}
	}

	router.POST("/auth/email", handlers.requestEmailLogin)
	router.POST("/auth/otp", handlers.completeEmailLogin)
	router.POST("/auth/google", handlers.googleSignIn)
	router.POST("/auth/apple", handlers.appleSignIn)
	router.POST("/auth/refresh/access", handlers.refreshAccess)
	router.POST("/auth/refresh/refresh", handlers.refreshRefresh)
	router.POST("/auth/logout", handlers.logout)
}

func (handlers *authHandlers) requestEmailLogin(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
		return
	}
	err := handlers.services.Resolver.RequestEmailLogin(contextGin.Request.Context(), inbound.Email)
	switch {
	case errors.Is(err, identity.ErrInvalidEmail):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidEmail})
		return
	case err != nil:
		handlers.metrics.Increment(MetricEmailFailed)
		handlers.logger.Error("email login request failed", zap.String("code", "auth.email.request_failed"), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeUnavailable})
		return
	}
	handlers.metrics.Increment(MetricEmailRequested)
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

func (handlers *authHandlers) completeEmailLogin(contextGin *gin.Context) {
	var inbound struct {
		OTP string `json:"otp"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.OTP) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
		return
	}
	account, err := handlers.services.Resolver.CompleteEmailLogin(contextGin.Request.Context(), inbound.OTP)
	if err != nil {
		handlers.rejectSignIn(contextGin, identity.ProviderEmail, err)
		return
	}
	handlers.issueSession(contextGin, identity.ProviderEmail, account)
}

func (handlers *authHandlers) googleSignIn(contextGin *gin.Context) {
	idToken, ok := handlers.bindProviderToken(contextGin)
	if !ok {
		return
	}
	if handlers.services.GoogleValidator == nil {
		handlers.rejectSignIn(contextGin, identity.ProviderGoogle, errors.New("google validator not configured"))
		return
	}
	ctx := contextGin.Request.Context()
	payload, err := handlers.services.GoogleValidator.Validate(ctx, idToken, handlers.configuration.GoogleWebClientID)
	if err != nil {
		handlers.rejectSignIn(contextGin, identity.ProviderGoogle, err)
		return
	}
	assertion, err := googleAssertion(payload)
	if err != nil {
		handlers.rejectSignIn(contextGin, identity.ProviderGoogle, err)
		return
	}
	handlers.resolveAndIssue(contextGin, ctx, assertion)
}

func (handlers *authHandlers) appleSignIn(contextGin *gin.Context) {
	idToken, ok := handlers.bindProviderToken(contextGin)
	if !ok {
		return
	}
	if handlers.services.AppleVerifier == nil {
		handlers.rejectSignIn(contextGin, identity.ProviderApple, errors.New("apple verifier not configured"))
		return
	}
	ctx := contextGin.Request.Context()
	token, err := handlers.services.AppleVerifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		handlers.rejectSignIn(contextGin, identity.ProviderApple, err)
		return
	}
	assertion, err := appleAssertion(token)
	if err != nil {
		handlers.rejectSignIn(contextGin, identity.ProviderApple, err)
		return
	}
	handlers.resolveAndIssue(contextGin, ctx, assertion)
}

func (handlers *authHandlers) bindProviderToken(contextGin *gin.Context) (string, bool) {
	var inbound struct {
		ProviderIDToken string `json:"providerIdToken"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.ProviderIDToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
		return "", false
	}
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeHTTPSRequired})
		return "", false
	}
	return inbound.ProviderIDToken, true
}

func (handlers *authHandlers) resolveAndIssue(contextGin *gin.Context, ctx context.Context, assertion identity.Assertion) {
	resolution, err := handlers.services.Resolver.ResolveFederated(ctx, assertion)
	if err != nil {
		handlers.rejectSignIn(contextGin, assertion.Provider, err)
		return
	}
	handlers.logger.Info("federated sign-in resolved",
		zap.String("code", "auth.login.resolved"),
		zap.String("provider", string(assertion.Provider)),
		zap.String("outcome", string(resolution.Outcome)),
		zap.String("account_id", resolution.Account.ID))
	handlers.issueSession(contextGin, assertion.Provider, resolution.Account)
}

// rejectSignIn answers every resolution failure with the same message. Only a
// store outage is distinguishable, as a 503.
func (handlers *authHandlers) rejectSignIn(contextGin *gin.Context, provider identity.Provider, err error) {
	handlers.metrics.Increment(MetricLoginFailure)
	if errors.Is(err, identity.ErrStoreUnavailable) {
		handlers.logger.Error("sign-in store failure", zap.String("code", "auth.login.store_unavailable"), zap.String("provider", string(provider)), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeUnavailable})
		return
	}
	handlers.logger.Warn("sign-in rejected", zap.String("code", "auth.login.rejected"), zap.String("provider", string(provider)), zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeAuthenticationFailed})
}

func (handlers *authHandlers) issueSession(contextGin *gin.Context, provider identity.Provider, account identity.Account) {
	pair, err := handlers.services.Issuer.IssuePair(contextGin.Request.Context(), account.ID)
	if err != nil {
		handlers.logger.Error("session issue failed", zap.String("code", "auth.login.issue_failed"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.writeRefreshCookie(contextGin, pair.Refresh)
	handlers.metrics.Increment(MetricLoginSuccess)
	handlers.metrics.Increment(MetricLoginSuccess + "." + string(provider))
	contextGin.JSON(http.StatusOK, gin.H{
		"accessToken":  pair.Access,
		"refreshToken": pair.Refresh,
		"user":         ProfileOf(account),
	})
}

func (handlers *authHandlers) refreshAccess(contextGin *gin.Context) {
	refreshToken, ok := handlers.refreshTokenFrom(contextGin)
	if !ok {
		return
	}
	token, err := handlers.services.Issuer.RefreshAccess(contextGin.Request.Context(), refreshToken)
	if err != nil {
		handlers.rejectRefresh(contextGin, err)
		return
	}
	handlers.metrics.Increment(MetricRefreshSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"accessToken": token.Value})
}

func (handlers *authHandlers) refreshRefresh(contextGin *gin.Context) {
	refreshToken, ok := handlers.refreshTokenFrom(contextGin)
	if !ok {
		return
	}
	token, err := handlers.services.Issuer.RefreshRefresh(contextGin.Request.Context(), refreshToken)
	if err != nil {
		handlers.rejectRefresh(contextGin, err)
		return
	}
	handlers.writeRefreshCookie(contextGin, token.Value)
	handlers.metrics.Increment(MetricRotateSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"refreshToken": token.Value})
}

func (handlers *authHandlers) rejectRefresh(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrRefreshExpired):
		handlers.metrics.Increment(MetricRefreshExpired)
		handlers.clearRefreshCookie(contextGin)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeExpired})
	case errors.Is(err, session.ErrRefreshInvalid):
		handlers.metrics.Increment(MetricRefreshInvalid)
		handlers.clearRefreshCookie(contextGin)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeInvalid})
	default:
		handlers.logger.Error("refresh failed", zap.String("code", "auth.refresh.failed"), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeUnavailable})
	}
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	refreshToken := handlers.optionalRefreshToken(contextGin)
	if refreshToken != "" {
		if err := handlers.services.Issuer.Revoke(contextGin.Request.Context(), refreshToken); err != nil {
			handlers.logger.Warn("logout revoke failed", zap.String("code", "auth.logout.revoke_failed"), zap.Error(err))
		}
	}
	handlers.clearRefreshCookie(contextGin)
	handlers.metrics.Increment(MetricLogout)
	contextGin.Status(http.StatusNoContent)
}

// refreshTokenFrom reads {token} from the body and falls back to the cookie.
func (handlers *authHandlers) refreshTokenFrom(contextGin *gin.Context) (string, bool) {
	var inbound struct {
		Token string `json:"token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil && !errors.Is(err, io.EOF) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
		return "", false
	}
	token := strings.TrimSpace(inbound.Token)
	if token == "" {
		token = handlers.cookieToken(contextGin)
	}
	if token == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeNoToken})
		return "", false
	}
	return token, true
}

func (handlers *authHandlers) optionalRefreshToken(contextGin *gin.Context) string {
	var inbound struct {
		Token string `json:"token"`
	}
	_ = contextGin.ShouldBindJSON(&inbound)
	if token := strings.TrimSpace(inbound.Token); token != "" {
		return token
	}
	return handlers.cookieToken(contextGin)
}

func (handlers *authHandlers) cookieToken(contextGin *gin.Context) string {
	refreshCookie, err := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if err != nil || refreshCookie == nil {
		return ""
	}
	return strings.TrimSpace(refreshCookie.Value)
}

func (handlers *authHandlers) writeRefreshCookie(contextGin *gin.Context, refreshToken string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.RefreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   int(handlers.configuration.RefreshTTL.Seconds()),
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *authHandlers) clearRefreshCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.RefreshCookieName,
		Value:    "",
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
