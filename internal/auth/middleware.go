package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/listening-party-system/pkg/jwt"
)

// Context keys set by Middleware.
const (
	ParticipantIDKey = "participant_id"
	PartyIDKey       = "party_id"
)

type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// Middleware requires a participant bearer token. The token is read from the
// Authorization header, the auth_token cookie, or the token query parameter
// (browsers cannot set headers on a websocket upgrade).
func Middleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization token"})
			return
		}

		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(ParticipantIDKey, claims.ParticipantID)
		c.Set(PartyIDKey, claims.PartyID)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := c.Cookie("auth_token"); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("token")
}
