package db

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// SessionFactory builds request-scoped session pools against one registry.
// It is created at startup and shared by all requests.
type SessionFactory struct {
	registry *Registry
	opts     ConnectOptions
}

// NewSessionFactory returns a factory that opens sessions with opts.
func NewSessionFactory(registry *Registry, opts ConnectOptions) *SessionFactory {
	return &SessionFactory{registry: registry, opts: opts.withDefaults()}
}

// Registry returns the registry the factory resolves tenants against.
func (f *SessionFactory) Registry() *Registry { return f.registry }

// NewPool returns an empty pool for one request.
func (f *SessionFactory) NewPool(logger zerolog.Logger) *SessionPool {
	opts := f.opts
	opts.Logger = logger
	return &SessionPool{
		registry: f.registry,
		opts:     opts,
		sessions: make(map[string]*Session),
		touched:  make(map[string]struct{}),
	}
}

// SessionPool keeps at most one live session per tenant for the duration of
// a request. Sessions are opened lazily and all of them are closed by
// CloseAll, whatever happened in between.
type SessionPool struct {
	registry *Registry
	opts     ConnectOptions

	mu       sync.Mutex
	sessions map[string]*Session
	touched  map[string]struct{}
	closed   bool
}

// Acquire returns the session for tenant, opening one if none is live. A
// poisoned or closed session is replaced by a fresh one. The registry is
// consulted before any connection attempt.
func (p *SessionPool) Acquire(ctx context.Context, tenant string) (*Session, error) {
	tenant = NormalizeTenant(tenant)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	if s, ok := p.sessions[tenant]; ok {
		if s.Connected() && !s.Poisoned() {
			return s, nil
		}
		s.Close()
		delete(p.sessions, tenant)
	}

	params, err := p.registry.Lookup(tenant)
	if err != nil {
		return nil, err
	}
	p.touched[tenant] = struct{}{}

	s, err := Connect(ctx, tenant, params, p.opts)
	if err != nil {
		return nil, err
	}
	p.sessions[tenant] = s
	return s, nil
}

// Discard closes the session for tenant, if any, so the next Acquire opens
// a new one.
func (p *SessionPool) Discard(tenant string) {
	tenant = NormalizeTenant(tenant)

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[tenant]; ok {
		s.Close()
		delete(p.sessions, tenant)
	}
}

// CloseAll closes every session the pool opened. It never fails and may be
// called more than once; the pool refuses new sessions afterwards.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tenant, s := range p.sessions {
		s.Close()
		delete(p.sessions, tenant)
	}
	p.closed = true
}

// Tenants returns the tenants that currently hold a session, sorted.
func (p *SessionPool) Tenants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Touched returns every tenant a session was requested for, including
// tenants whose sessions have since been closed.
func (p *SessionPool) Touched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.touched))
	for id := range p.touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
