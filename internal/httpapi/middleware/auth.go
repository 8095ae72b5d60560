package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rivulet-ai/rivulet/internal/common"
)

// UserIDKey is where AuthRequired stores the authenticated user id.
const UserIDKey = "auth_user_id"

type claims struct {
	UserID uint64 `json:"uid"`
	jwt.RegisteredClaims
}

// AuthRequired validates the Bearer token and injects the caller's user id.
// Identity issuance itself lives outside this service.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

		var cl claims
		_, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || cl.UserID == 0 {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}

		c.Set(UserIDKey, cl.UserID)
		c.Next()
	}
}
