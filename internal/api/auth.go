package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
)

const principalKey = "principal"

// Claims identify the caller. The identity service issuing tokens owns users and teams, the
// engine only reads them.
type Claims struct {
	TeamID  string `json:"team_id,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for p.
func SignToken(secret []byte, p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TeamID:  p.TeamID,
		IsAdmin: p.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token without subject")
	}

	return claims, nil
}

// authenticate resolves the caller from a bearer token. Browsers cannot set headers on a
// websocket handshake, so the token may also come in the token query parameter.
func authenticate(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			scheme, token, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("malformed authorization header")))
				return
			}
			raw = token
		}

		if raw == "" {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing token")))
			return
		}

		claims, err := parseToken(secret, raw)
		if err != nil {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token"), errors.WithCause(err)))
			return
		}

		c.Set(principalKey, domain.Principal{
			UserID:  claims.Subject,
			TeamID:  claims.TeamID,
			IsAdmin: claims.IsAdmin,
		})
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principal(c).IsAdmin {
			abort(c, errors.Forbidden("admin only"))
			return
		}
		c.Next()
	}
}

func principal(c *gin.Context) domain.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(domain.Principal)
	return p
}
