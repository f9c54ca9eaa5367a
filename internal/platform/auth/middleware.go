package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SubjectKey   contextKey = "jwt_subject"
	CountriesKey contextKey = "jwt_countries"
)

// Claims are the token claims the API understands. An empty Countries list
// grants every configured country.
type Claims struct {
	jwt.RegisteredClaims
	Countries []string `json:"countries,omitempty"`
}

// AllowsCountry reports whether the claims grant access to country.
func (c *Claims) AllowsCountry(country string) bool {
	if len(c.Countries) == 0 {
		return true
	}
	for _, cc := range c.Countries {
		if strings.EqualFold(cc, country) {
			return true
		}
	}
	return false
}

type JWTConfig struct {
	// SigningKey is the HS256 secret, SECRET_KEY in the environment.
	SigningKey []byte
	Issuer     string
	Skipper    func(c echo.Context) bool
}

// JWTMiddleware requires a valid HS256 bearer token on every request the
// skipper does not exempt.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(string(SubjectKey), claims.Subject)
			c.Set("jwt_claims", claims)
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, CountriesKey, claims.Countries)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// ClaimsFrom returns the verified claims of the request, or nil when auth is
// disabled or the route was skipped.
func ClaimsFrom(c echo.Context) *Claims {
	claims, _ := c.Get("jwt_claims").(*Claims)
	return claims
}

func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(SubjectKey).(string)
	return sub
}

func CountriesFromContext(ctx context.Context) []string {
	countries, _ := ctx.Value(CountriesKey).([]string)
	return countries
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(key []byte, issuer, subject string, countries []string, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is empty")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Countries: countries,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
