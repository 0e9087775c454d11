package authkit

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/backerauth/pkg/hosting"
	"go.uber.org/zap"
)

// MountProviderRoutes registers the hosting-provider endpoints. The router is
// expected to run RequireAccessToken first.
func MountProviderRoutes(router gin.IRouter, configuration ServerConfig, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/providers", func(contextGin *gin.Context) {
		providerIDs := make([]string, 0, len(configuration.HostingProviders))
		for providerID := range configuration.HostingProviders {
			providerIDs = append(providerIDs, providerID)
		}
		sort.Strings(providerIDs)
		contextGin.JSON(http.StatusOK, gin.H{"providers": providerIDs})
	})

	router.GET("/providers/:provider/authorize", func(contextGin *gin.Context) {
		accountID, ok := AccountIDFrom(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeNoToken})
			return
		}
		providerID := contextGin.Param("provider")
		providerConfig, found := configuration.HostingProviders[providerID]
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
			return
		}
		nonce := uuid.NewString()
		authorizeURL, err := hosting.AuthorizationURL(providerConfig, accountID, nonce)
		if err != nil {
			logger.Error("authorize url failed",
				zap.String("code", "providers.authorize.failed"),
				zap.String("provider", providerID),
				zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"url": authorizeURL, "nonce": nonce})
	})
}
