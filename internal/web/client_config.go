package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientConfig carries the public values a browser or native client needs
// before it can start a sign-in.
type ClientConfig struct {
	GoogleClientID    string
	FirebaseProjectID string
	CookiePrefix      string
	BaseURL           string
}

// ServeClientConfig answers with the client bootstrap values as JSON.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	baseURL := configuration.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), host)
	}

	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{
		"googleClientId":    configuration.GoogleClientID,
		"firebaseProjectId": configuration.FirebaseProjectID,
		"cookiePrefix":      configuration.CookiePrefix,
		"baseUrl":           baseURL,
	})
}

func forwardedProto(request *http.Request) string {
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	return "http"
}
