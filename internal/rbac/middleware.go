package rbac

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"carecall/internal/auth"
	"carecall/pkg/logger"
)

const ctxOperatorKey = "operator"

// Verifier checks operator bearer tokens.
type Verifier interface {
	VerifyOperatorToken(token string, now time.Time) (auth.OperatorClaims, error)
}

// RequireAnyRole allows access if the bearer token carries any of the provided
// roles. admin bypasses the role list.
func RequireAnyRole(v Verifier, allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		claims, err := v.VerifyOperatorToken(token, time.Now())
		if err != nil {
			logger.FromGin(c).Warn("operator token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxOperatorKey, claims)

		if IsAdmin(claims.Role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[claims.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// Operator returns the claims stored by RequireAnyRole.
func Operator(c *gin.Context) (auth.OperatorClaims, bool) {
	v, ok := c.Get(ctxOperatorKey)
	if !ok {
		return auth.OperatorClaims{}, false
	}
	claims, ok := v.(auth.OperatorClaims)
	return claims, ok
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
