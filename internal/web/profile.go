package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/backerauth/internal/authkit"
	"github.com/tyemirov/backerauth/internal/identity"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the profile of the account behind the bearer token.
// It must run after authkit.RequireAccessToken.
func HandleWhoAmI(logger *zap.Logger, accounts identity.Store) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if accounts == nil {
		panic("account store is required")
	}

	return func(contextGin *gin.Context) {
		accountID, found := authkit.AccountIDFrom(contextGin)
		if !found {
			logger.Warn("missing account on context",
				zap.String("code", "api.me.missing_account"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		account, err := accounts.FindByID(contextGin.Request.Context(), accountID)
		if err != nil {
			if errors.Is(err, identity.ErrAccountNotFound) {
				logger.Warn("account missing",
					zap.String("code", "api.me.account_missing"),
					zap.String("account_id", accountID))
				contextGin.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			logger.Error("account lookup error",
				zap.String("code", "api.me.lookup_error"),
				zap.String("account_id", accountID),
				zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, authkit.ProfileOf(account))
	}
}
