package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/traklist/server/pkg/jwt"
)

const hostClaimsKey = "host_claims"

// HostMiddleware admits requests carrying a host token for the :code room.
// The token is read from the Authorization header, then the host_token
// cookie, then the host_token query parameter.
func HostMiddleware(signer *jwt.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token, _ = c.Cookie(hostTokenParam)
		}
		if token == "" {
			token = c.Query(hostTokenParam)
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No host token"})
			return
		}

		claims, err := signer.ValidateHostToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		if code := c.Param("code"); code != "" && !strings.EqualFold(strings.TrimSpace(code), claims.RoomCode) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token is not valid for this room"})
			return
		}

		c.Set(hostClaimsKey, claims)
		c.Set("room_code", claims.RoomCode)
		c.Next()
	}
}

// OperatorMiddleware admits requests whose bearer token equals token.
func OperatorMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := bearerToken(c.GetHeader("Authorization"))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
