package db

import (
	"context"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantIDKey    contextKey = "tenant_id"
	SessionPoolKey contextKey = "session_pool"
)

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Sessions gives every request its own SessionPool and closes it after the
// handler returns, on success, error and panic alike.
func Sessions(factory *SessionFactory) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			pool := factory.NewPool(*zerolog.Ctx(ctx))
			defer pool.CloseAll()

			ctx = WithPool(ctx, pool)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(SessionPoolKey), pool)

			return next(c)
		}
	}
}

// WithPool stores pool in ctx.
func WithPool(ctx context.Context, pool *SessionPool) context.Context {
	return context.WithValue(ctx, SessionPoolKey, pool)
}

// PoolFromContext retrieves the request session pool from context.
func PoolFromContext(ctx context.Context) *SessionPool {
	pool, _ := ctx.Value(SessionPoolKey).(*SessionPool)
	return pool
}

// WithTenant stores the primary tenant of a request in ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// ExtractTenants resolves the tenants a request addresses. The path
// parameter wins, then the requested value from the request data, then the
// X-Tenant-ID header, then defaultTenant. Values may be comma separated;
// the result is normalized and free of duplicates.
func ExtractTenants(c echo.Context, requested, defaultTenant string) []string {
	raw := c.Param("country")
	if raw == "" {
		raw = requested
	}
	if raw == "" {
		raw = c.Request().Header.Get("X-Tenant-ID")
	}
	if raw == "" {
		raw = defaultTenant
	}

	var tenants []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		tid := NormalizeTenant(part)
		if tid == "" || seen[tid] {
			continue
		}
		seen[tid] = true
		tenants = append(tenants, tid)
	}
	return tenants
}
