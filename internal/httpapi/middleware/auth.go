package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
)

const (
	UserRefKey  = "user_ref"
	OperatorKey = "operator"
)

// AuthRequired accepts an HS256 bearer token and stores its subject as the
// caller's userRef. EventSource clients cannot set headers, so a ?token=
// query parameter is accepted too.
func AuthRequired(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			c.Abort()
			return
		}

		tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !tok.Valid {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}
		sub, err := tok.Claims.GetSubject()
		if err != nil || strings.TrimSpace(sub) == "" {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}

		c.Set(UserRefKey, sub)
		c.Next()
	}
}

// OperatorRequired guards the admin surface with a shared operator token,
// compared against its bcrypt hash. An empty hash disables the surface.
func OperatorRequired(tokenHash string) gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(tokenHash))
	return func(c *gin.Context) {
		if len(hash) == 0 {
			common.Fail(c, http.StatusForbidden, 40301, "operator access disabled")
			c.Abort()
			return
		}
		raw := c.GetHeader("X-Operator-Token")
		if raw == "" {
			raw = bearerToken(c)
		}
		if raw == "" {
			common.Fail(c, http.StatusUnauthorized, 40103, "missing operator token")
			c.Abort()
			return
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(raw)); err != nil {
			if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				common.Fail(c, http.StatusInternalServerError, 50010, "operator hash misconfigured")
				c.Abort()
				return
			}
			common.Fail(c, http.StatusUnauthorized, 40104, "invalid operator token")
			c.Abort()
			return
		}
		c.Set(OperatorKey, true)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// UserRef returns the authenticated caller set by AuthRequired.
func UserRef(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserRefKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
