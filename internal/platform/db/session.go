package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"github.com/medinsights/api/internal/platform/metrics"
)

// Conn is the subset of *pgx.Conn a session needs.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
}

// Dialer opens a single connection to a tenant database.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, p Params) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, p Params) (Conn, error) { return f(ctx, p) }

// PgxDialer dials with pgx.ConnectConfig.
type PgxDialer struct {
	ApplicationName string
}

func (d PgxDialer) Dial(ctx context.Context, p Params) (Conn, error) {
	cfg, err := pgx.ParseConfig(p.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection params: %w", err)
	}
	if d.ApplicationName != "" {
		cfg.RuntimeParams["application_name"] = d.ApplicationName
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RetryPolicy bounds connection attempts. The delay between two attempts is
// fixed.
type RetryPolicy struct {
	Attempts       int
	Delay          time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is five attempts half a second apart.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       5,
	Delay:          500 * time.Millisecond,
	AttemptTimeout: 3 * time.Second,
}

// ConnectOptions configures how sessions are opened.
type ConnectOptions struct {
	Dialer Dialer
	Retry  RetryPolicy
	Clock  clock.Clock
	Logger zerolog.Logger
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Dialer == nil {
		o.Dialer = PgxDialer{ApplicationName: "medinsights"}
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = DefaultRetryPolicy.Attempts
	}
	if o.Retry.Delay <= 0 {
		o.Retry.Delay = DefaultRetryPolicy.Delay
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}

// Session is one live connection to one tenant database plus the cursor of
// the statement currently running on it. A session belongs to a single
// request and is not safe for use by more than one goroutine at a time.
type Session struct {
	tenant string
	logger zerolog.Logger

	mu       sync.Mutex
	conn     Conn
	cursor   pgx.Rows
	release  func()
	poisoned bool
	closed   bool
}

// Connect opens a session to the tenant database described by p. Attempts
// are retried per opts.Retry; the loop stops early when ctx is done.
func Connect(ctx context.Context, tenant string, p Params, opts ConnectOptions) (*Session, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionUnavailableError{Tenant: tenant, Err: err}
	}

	var (
		conn     Conn
		lastErr  error
		attempts int
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			metrics.ConnectAttempts.WithLabelValues(tenant).Inc()

			actx, cancel := ctx, context.CancelFunc(func() {})
			if opts.Retry.AttemptTimeout > 0 {
				actx, cancel = context.WithTimeout(ctx, opts.Retry.AttemptTimeout)
			}
			defer cancel()

			c, err := opts.Dialer.Dial(actx, p)
			if err != nil {
				lastErr = err
				return err
			}
			conn = c
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			opts.Logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("target", p.String()).
				Int("attempt", attempt).
				Int("max_attempts", opts.Retry.Attempts).
				Msg("database connect attempt failed")
		},
		Attempts: opts.Retry.Attempts,
		Delay:    opts.Retry.Delay,
		Clock:    opts.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		metrics.ConnectFailures.WithLabelValues(tenant).Inc()
		cause := lastErr
		if cause == nil {
			cause = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = errors.Join(ctxErr, cause)
		}
		return nil, &ConnectionUnavailableError{Tenant: tenant, Attempts: attempts, Err: cause}
	}

	metrics.SessionsOpened.WithLabelValues(tenant).Inc()
	opts.Logger.Debug().Str("tenant", tenant).Int("attempts", attempts).Msg("database session opened")
	return &Session{tenant: tenant, conn: conn, logger: opts.Logger}, nil
}

// NewSession wraps an already open connection. release, when not nil, runs
// as the last step of Close.
func NewSession(tenant string, conn Conn, release func(), logger zerolog.Logger) *Session {
	return &Session{tenant: tenant, conn: conn, release: release, logger: logger}
}

// Tenant returns the tenant the session is bound to.
func (s *Session) Tenant() string { return s.tenant }

// Connected reports whether the session still holds its connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.conn != nil
}

// Poisoned reports whether a statement failed on this session.
func (s *Session) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

// Run executes query with positional args and returns every row. A failure
// poisons the session: the caller should close it rather than run more
// statements on it.
func (s *Session) Run(ctx context.Context, query string, args ...any) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(query)
	switch {
	case s.closed || s.conn == nil:
		return nil, &QueryExecutionError{Tenant: s.tenant, Digest: digest, Err: ErrSessionClosed}
	case s.poisoned:
		return nil, &QueryExecutionError{Tenant: s.tenant, Digest: digest, Err: ErrSessionPoisoned}
	}

	start := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues(s.tenant).Observe(time.Since(start).Seconds())
	}()

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, s.fail(ctx, digest, err)
	}
	s.cursor = rows
	records, err := collectRecords(rows)
	rows.Close()
	s.cursor = nil
	if err != nil {
		return nil, s.fail(ctx, digest, err)
	}
	return records, nil
}

func (s *Session) fail(ctx context.Context, digest string, err error) error {
	s.poisoned = true
	metrics.QueryErrors.WithLabelValues(s.tenant).Inc()
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	return &QueryExecutionError{Tenant: s.tenant, Digest: digest, Err: err}
}

// Close releases the cursor, then the connection, then the release handle.
// Each step is attempted even when an earlier one fails. Close never panics
// or returns an error and is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.cursor != nil {
		cursor := s.cursor
		s.cursor = nil
		s.step("cursor", func() error {
			cursor.Close()
			return cursor.Err()
		})
	}

	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.step("connection", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return conn.Close(ctx)
		})
	}

	if s.release != nil {
		release := s.release
		s.release = nil
		s.step("release", func() error {
			release()
			return nil
		})
	}

	metrics.SessionsClosed.WithLabelValues(s.tenant).Inc()
}

func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Str("tenant", s.tenant).Str("step", name).
				Interface("panic", r).Msg("session teardown step panicked")
		}
	}()
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("tenant", s.tenant).Str("step", name).
			Msg("session teardown step failed")
	}
}
