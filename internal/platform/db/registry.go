package db

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Z]{2,8}$`)

// Params holds the connection parameters of one tenant database.
type Params struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnString returns a postgres:// URL for the parameters.
func (p Params) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   net.JoinHostPort(p.Host, p.port()),
		Path:   "/" + p.Database,
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {p.SSLMode}}.Encode()
	}
	return u.String()
}

// String renders the parameters without the password, for logs.
func (p Params) String() string {
	return fmt.Sprintf("%s@%s/%s", p.User, net.JoinHostPort(p.Host, p.port()), p.Database)
}

func (p Params) port() string {
	if p.Port == "" {
		return "5432"
	}
	return p.Port
}

// Registry maps a tenant (country code) to its database parameters. It is
// built once at startup and only read afterwards, so it is shared across
// requests without locking.
type Registry struct {
	tenants map[string]Params
}

// NewRegistry validates every entry and builds the registry.
func NewRegistry(tenants map[string]Params) (*Registry, error) {
	if len(tenants) == 0 {
		return nil, &ConfigurationError{Reason: "no tenants configured"}
	}

	r := &Registry{tenants: make(map[string]Params, len(tenants))}
	for id, p := range tenants {
		tid := NormalizeTenant(id)
		if !tenantIDPattern.MatchString(tid) {
			return nil, &ConfigurationError{Tenant: id, Reason: "invalid tenant identifier"}
		}
		switch {
		case p.Host == "":
			return nil, &ConfigurationError{Tenant: tid, Reason: "missing host"}
		case p.Database == "":
			return nil, &ConfigurationError{Tenant: tid, Reason: "missing database name"}
		case p.User == "":
			return nil, &ConfigurationError{Tenant: tid, Reason: "missing credentials"}
		}
		if _, dup := r.tenants[tid]; dup {
			return nil, &ConfigurationError{Tenant: tid, Reason: "tenant configured twice"}
		}
		r.tenants[tid] = p
	}
	return r, nil
}

// Lookup returns the parameters for tenantID. An unknown tenant is a
// configuration error and is never retried.
func (r *Registry) Lookup(tenantID string) (Params, error) {
	p, ok := r.tenants[NormalizeTenant(tenantID)]
	if !ok {
		return Params{}, &ConfigurationError{Tenant: tenantID, Reason: "tenant not configured"}
	}
	return p, nil
}

// Has reports whether tenantID is configured.
func (r *Registry) Has(tenantID string) bool {
	_, ok := r.tenants[NormalizeTenant(tenantID)]
	return ok
}

// Tenants returns the configured tenant ids in sorted order.
func (r *Registry) Tenants() []string {
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NormalizeTenant upper-cases and trims a tenant id ("it " -> "IT").
func NormalizeTenant(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidTenantID reports whether id has the syntax of a tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(NormalizeTenant(id))
}
