// Package dbtest provides in-memory stand-ins for tenant database
// connections, for tests of code built on db.Session.
package dbtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock"

	"github.com/medinsights/api/internal/platform/db"
)

// Rows is a pgx.Rows over fixed data. FailErr, when set, is reported after the
// last row as a mid-stream failure would be.
type Rows struct {
	Columns []string
	Data    [][]any
	FailErr error

	idx    int
	closed bool
}

// NewRows returns rows with the given columns and data.
func NewRows(columns []string, data ...[]any) *Rows {
	return &Rows{Columns: columns, Data: data}
}

func (r *Rows) Close()                        { r.closed = true }
func (r *Rows) Err() error                    { return r.FailErr }
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) RawValues() [][]byte           { return nil }
func (r *Rows) Conn() *pgx.Conn               { return nil }

// Closed reports whether Close was called.
func (r *Rows) Closed() bool { return r.closed }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.Columns))
	for i, name := range r.Columns {
		fds[i] = pgconn.FieldDescription{Name: name}
	}
	return fds
}

func (r *Rows) Next() bool {
	if r.closed || r.idx >= len(r.Data) {
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.Data) {
		return nil, errors.New("dbtest: Values called without a current row")
	}
	return r.Data[r.idx-1], nil
}

func (r *Rows) Scan(dest ...any) error {
	return errors.New("dbtest: Scan is not supported, use Values")
}

// Query is one statement a Conn received.
type Query struct {
	SQL  string
	Args []any
}

// Responder answers a query on a Conn.
type Responder func(sql string, args []any) (pgx.Rows, error)

// Conn is a db.Conn answering every query through a Responder.
type Conn struct {
	Tenant     string
	Respond    Responder
	CloseErr   error
	ClosePanic bool

	mu      sync.Mutex
	queries []Query
	closes  int
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.queries = append(c.queries, Query{SQL: sql, Args: args})
	c.mu.Unlock()
	if c.Respond == nil {
		return NewRows(nil), nil
	}
	return c.Respond(sql, args)
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	if c.ClosePanic {
		panic("dbtest: close panicked")
	}
	return c.CloseErr
}

// Queries returns every statement received so far.
func (c *Conn) Queries() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Query(nil), c.queries...)
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Dialer hands out Conns. The first Failures dials of each tenant fail with
// Err; later dials succeed. A tenant listed in Down never connects.
type Dialer struct {
	Failures int
	Err      error
	Down     map[string]bool
	// Respond builds the responder of each new connection.
	Respond func(tenant string) Responder
	// OnDial, when set, runs before every attempt.
	OnDial func(tenant string, attempt int)

	mu       sync.Mutex
	attempts map[string]int
	conns    []*Conn
}

func (d *Dialer) Dial(ctx context.Context, p db.Params) (db.Conn, error) {
	tenant := p.Database

	d.mu.Lock()
	if d.attempts == nil {
		d.attempts = make(map[string]int)
	}
	d.attempts[tenant]++
	attempt := d.attempts[tenant]
	d.mu.Unlock()

	if d.OnDial != nil {
		d.OnDial(tenant, attempt)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := d.Err
	if err == nil {
		err = errors.New("dbtest: connection refused")
	}
	if d.Down[tenant] || attempt <= d.Failures {
		return nil, err
	}

	conn := &Conn{Tenant: tenant}
	if d.Respond != nil {
		conn.Respond = d.Respond(tenant)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Attempts returns how many dials were made for tenant.
func (d *Dialer) Attempts(tenant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[tenant]
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Params returns registry parameters for tenant. Database carries the
// tenant id so Dialer can tell tenants apart.
func Params(tenant string) db.Params {
	return db.Params{Host: "localhost", Port: "5432", User: "test", Database: tenant}
}

// Registry builds a registry of the given tenants with Params.
func Registry(tenants ...string) *db.Registry {
	m := make(map[string]db.Params, len(tenants))
	for _, t := range tenants {
		m[t] = Params(t)
	}
	r, err := db.NewRegistry(m)
	if err != nil {
		panic(err)
	}
	return r
}

// Clock fires every timer at once and records the requested delays, so
// retry loops run without sleeping.
type Clock struct {
	clock.Clock

	mu     sync.Mutex
	delays []time.Duration
}

func (c *Clock) record(d time.Duration) {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
}

// Delays returns every delay a caller waited for.
func (c *Clock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *Clock) Now() time.Time { return time.Now() }

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.record(d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *Clock) NewTimer(d time.Duration) clock.Timer {
	c.record(d)
	return &timer{ch: c.fired()}
}

func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.record(d)
	go f()
	return &timer{ch: c.fired()}
}

func (c *Clock) fired() chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type timer struct{ ch chan time.Time }

func (t *timer) Chan() <-chan time.Time   { return t.ch }
func (t *timer) Reset(time.Duration) bool { return false }
func (t *timer) Stop() bool               { return false }
