package middleware

import (
	"strings"

	"ojeval/pkg/errors"
	"ojeval/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// BearerSecretMiddleware admits requests whose bearer token matches the
// bcrypt hash. An empty hash disables the check.
func BearerSecretMiddleware(secretHash string) gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(secretHash))
	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword(hash, []byte(strings.TrimSpace(token))) != nil {
			response.AbortWithError(c, errors.New(errors.Unauthorized))
			return
		}
		c.Next()
	}
}
