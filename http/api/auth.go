package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Identity is the authenticated caller extracted from the bearer token.
type Identity struct {
	User   string
	EID    string
	Tenant string
}

const identityKey = "hyperflow.identity"

// requireAuth validates the Authorization bearer token and stores the
// caller's Identity on the request context. Tokens are HMAC-signed; the
// tenant claim scopes every subsequent store access.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}

		claims := jwt.MapClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !tok.Valid {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}

		id := Identity{
			User:   claimString(claims, "user"),
			EID:    claimString(claims, "eid"),
			Tenant: claimString(claims, "tenant"),
		}
		if id.EID == "" || id.Tenant == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "token lacks eid or tenant")
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func identity(c echo.Context) Identity {
	id, _ := c.Get(identityKey).(Identity)
	return id
}

func claimString(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// SignToken mints a bearer token for the given identity, valid for ttl.
// Exposed for service-to-service callers and tests.
func SignToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user":   id.User,
		"eid":    id.EID,
		"tenant": id.Tenant,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}).SignedString(secret)
}
