package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a panic into a 500. Deferred cleanup further down the
// chain, such as closing the request's database sessions, has already run
// by the time the panic reaches here.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack())
				if tenants := touched(c); tenants != "" {
					evt = evt.Str("tenants", tenants)
				}
				evt.Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

// touched lists the tenants the request opened sessions to, if any.
func touched(c echo.Context) string {
	pool, ok := c.Get("session_pool").(touchedTenants)
	if !ok {
		return ""
	}
	return strings.Join(pool.Touched(), ",")
}
