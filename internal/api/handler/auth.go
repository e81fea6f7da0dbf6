package handler

import (
	"net/http"
	"strings"
	"time"

	"roomchat/backend/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const userIDKey = "user_id"

const anonTokenTTL = 72 * time.Hour

// Issuer signs development tokens.
type Issuer interface {
	Issue(userID string, ttl time.Duration) (string, error)
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so the token query parameter is accepted too.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return c.Query("token")
}

func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing", "code": "unauthorized"})
			return
		}
		userID, err := h.Auth.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token", "code": "unauthorized"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// GetAnonID issues a token for a fresh anonymous user id.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := uuid.NewString()
	token, err := h.Issuer.Issue(anonID, anonTokenTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}

var _ Issuer = (*auth.JWTValidator)(nil)
