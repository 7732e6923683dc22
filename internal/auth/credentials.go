package auth

import (
	"encoding/base64"
	"strings"

	"github.com/gin-gonic/gin"
)

// Header and parameter names of the two token naming schemes
const (
	HeaderUsername = "Authentication-Username"
	HeaderToken    = "Authentication-Token"

	LegacyUserID = "authenticationUserId"
	LegacyToken  = "authenticationToken"
)

// tokenCredentials is a user reference plus token taken from a request.
// Exactly one of Username and UserID is set.
type tokenCredentials struct {
	Username string
	UserID   string
	Token    string
}

// principal is the user reference as given
func (tc tokenCredentials) principal() string {
	if tc.Username != "" {
		return tc.Username
	}
	return tc.UserID
}

// extractToken reads the current scheme first: Authentication-Username with
// Authentication-Token or a Bearer token, then the legacy id/token pair from
// headers or query parameters
func extractToken(c *gin.Context) (tokenCredentials, bool) {
	if username := c.GetHeader(HeaderUsername); username != "" {
		token := c.GetHeader(HeaderToken)
		if token == "" {
			token = bearer(c.GetHeader("Authorization"))
		}
		if token != "" {
			return tokenCredentials{Username: username, Token: token}, true
		}
	}

	userID := firstNonEmpty(c.GetHeader(LegacyUserID), c.Query(LegacyUserID))
	token := firstNonEmpty(c.GetHeader(LegacyToken), c.Query(LegacyToken))
	if userID != "" && token != "" {
		return tokenCredentials{UserID: userID, Token: token}, true
	}
	return tokenCredentials{}, false
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// ParseBasic decodes an "Authorization: Basic" header value
func ParseBasic(header string) (username, password string, ok bool) {
	const prefix = "basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(decoded), ":")
	if !ok || username == "" {
		return "", "", false
	}
	return username, password, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
