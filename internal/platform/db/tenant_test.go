package db_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/internal/platform/db/dbtest"
)

func TestSessions_ClosesPoolAfterHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler func(c echo.Context, s *db.Session) error
		panics  bool
	}{
		{"success", func(c echo.Context, s *db.Session) error { return c.String(http.StatusOK, "ok") }, false},
		{"error", func(c echo.Context, s *db.Session) error { return errors.New("handler failed") }, false},
		{"panic", func(c echo.Context, s *db.Session) error { panic("handler panicked") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &dbtest.Dialer{}
			factory := db.NewSessionFactory(dbtest.Registry("IT"), connectOpts(d, &dbtest.Clock{}))

			var session *db.Session
			h := db.Sessions(factory)(func(c echo.Context) error {
				pool := db.PoolFromContext(c.Request().Context())
				if pool == nil {
					t.Fatal("expected a pool in the request context")
				}
				if c.Get("session_pool") != pool {
					t.Error("expected the pool on the echo context")
				}
				s, err := pool.Acquire(c.Request().Context(), "IT")
				if err != nil {
					t.Fatalf("Acquire() error: %v", err)
				}
				session = s
				return tt.handler(c, s)
			})

			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/doctors", nil), httptest.NewRecorder())
			func() {
				defer func() {
					if r := recover(); r != nil && !tt.panics {
						t.Fatalf("unexpected panic: %v", r)
					}
				}()
				_ = h(c)
			}()

			if session == nil || session.Connected() {
				t.Error("expected the session to be closed when the handler returns")
			}
		})
	}
}

func TestExtractTenants(t *testing.T) {
	tests := []struct {
		name      string
		param     string
		requested string
		header    string
		want      string
	}{
		{"default", "", "", "", "IT"},
		{"path wins", "de", "AT", "FR", "DE"},
		{"request data", "", "de, it,DE", "FR", "DE,IT"},
		{"header", "", "", "at", "AT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.param != "" {
				c.SetParamNames("country")
				c.SetParamValues(tt.param)
			}

			got := strings.Join(db.ExtractTenants(c, tt.requested, "IT"), ",")
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	factory := db.NewSessionFactory(dbtest.Registry("IT"), db.ConnectOptions{})
	pool := factory.NewPool(zerolog.Nop())

	ctx := db.WithTenant(db.WithPool(httptest.NewRequest(http.MethodGet, "/", nil).Context(), pool), "IT")
	if db.PoolFromContext(ctx) != pool {
		t.Error("expected pool from context")
	}
	if db.TenantFromContext(ctx) != "IT" {
		t.Errorf("expected IT, got %s", db.TenantFromContext(ctx))
	}
}
