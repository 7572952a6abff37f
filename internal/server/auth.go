package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// operatorKey is the gin context key holding the authenticated operator.
const operatorKey = "operator"

// DefaultTokenTTL is the lifetime of tokens minted by IssueToken when the
// caller passes zero.
const DefaultTokenTTL = 12 * time.Hour

const tokenIssuer = "mostrador"

// IssueToken mints an HS256 admin token whose subject is the operator.
func IssueToken(secret, operator string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("server: jwt secret is required")
	}
	if strings.TrimSpace(operator) == "" {
		return "", fmt.Errorf("server: operator is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("server: sign token: %w", err)
	}
	return signed, nil
}

// parseToken verifies an admin token and returns its subject.
func parseToken(secret []byte, raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// requireOperator rejects requests without a valid bearer token. The
// token may also come from the access_token query parameter so browsers
// can open the event stream.
func requireOperator(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if h := c.GetHeader("Authorization"); h != "" {
			scheme, token, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				fail(c, http.StatusUnauthorized, "malformed authorization header")
				return
			}
			raw = strings.TrimSpace(token)
		} else {
			raw = c.Query("access_token")
		}
		if raw == "" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		operator, err := parseToken(secret, raw)
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Set(operatorKey, operator)
		c.Next()
	}
}

func operatorFrom(c *gin.Context) string {
	return c.GetString(operatorKey)
}
