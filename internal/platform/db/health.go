package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TenantHealth is the probe result for one tenant database.
type TenantHealth struct {
	Tenant    string `json:"tenant"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// CheckTenants opens a session to every configured tenant concurrently and
// runs SELECT 1 on it. Results are ordered like Registry.Tenants.
func CheckTenants(ctx context.Context, factory *SessionFactory, logger zerolog.Logger) []TenantHealth {
	tenants := factory.Registry().Tenants()
	results := make([]TenantHealth, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	for i, tenant := range tenants {
		g.Go(func() error {
			results[i] = checkTenant(gctx, factory, tenant, logger)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func checkTenant(ctx context.Context, factory *SessionFactory, tenant string, logger zerolog.Logger) TenantHealth {
	pool := factory.NewPool(logger)
	defer pool.CloseAll()

	start := time.Now()
	res := TenantHealth{Tenant: tenant}
	s, err := pool.Acquire(ctx, tenant)
	if err == nil {
		_, err = s.Run(ctx, "SELECT 1")
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Healthy = true
	return res
}

// HealthHandler reports the reachability of every tenant database. Any
// unreachable tenant turns the response into a 503.
func HealthHandler(factory *SessionFactory) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		results := CheckTenants(ctx, factory, *zerolog.Ctx(ctx))
		status, code := "healthy", http.StatusOK
		for _, r := range results {
			if !r.Healthy {
				status, code = "unhealthy", http.StatusServiceUnavailable
				break
			}
		}
		return c.JSON(code, map[string]interface{}{
			"status":  status,
			"tenants": results,
		})
	}
}
