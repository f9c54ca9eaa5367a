package db

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by Run on a session that was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionPoisoned is returned by Run on a session whose previous
	// statement failed. The session must be closed, not reused.
	ErrSessionPoisoned = errors.New("session poisoned by a previous failure")
	// ErrPoolClosed is returned by Acquire after CloseAll.
	ErrPoolClosed = errors.New("session pool closed")
)

// ConfigurationError reports an unknown tenant or incomplete tenant
// parameters. It is a caller or deployment bug and is never retried.
type ConfigurationError struct {
	Tenant string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Tenant == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error for tenant %q: %s", e.Tenant, e.Reason)
}

// ConnectionUnavailableError is returned when every connection attempt to a
// tenant database failed, or the request deadline expired while retrying.
type ConnectionUnavailableError struct {
	Tenant   string
	Attempts int
	Err      error
}

func (e *ConnectionUnavailableError) Error() string {
	return fmt.Sprintf("database for tenant %s unavailable after %d attempt(s): %v", e.Tenant, e.Attempts, e.Err)
}

func (e *ConnectionUnavailableError) Unwrap() error { return e.Err }

// QueryExecutionError wraps a failed statement. Digest identifies the query
// text without logging it in full.
type QueryExecutionError struct {
	Tenant string
	Digest string
	Err    error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query %s on tenant %s failed: %v", e.Digest, e.Tenant, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// Digest returns a short stable fingerprint of a query text.
func Digest(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:6])
}
