// Package pool caches one pooled data source per connection profile and hands
// out connections from it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/profile"
)

// maxValidationAttempts bounds how many borrowed connections test-on-borrow
// may discard before the acquire fails.
const maxValidationAttempts = 3

// Manager owns the pooled sources, keyed by connection id. A source is built
// lazily on first acquire and kept until it is invalidated.
type Manager struct {
	store profile.Store

	mu            sync.RWMutex
	entries       map[string]*entry
	constructions map[string]int64

	group singleflight.Group
}

type entry struct {
	id       string
	profile  profile.ConnectionProfile
	source   Source
	created  time.Time
	borrowed atomic.Int64
	retired  atomic.Bool
}

// NewManager creates a Manager that resolves connection ids through store.
func NewManager(store profile.Store) *Manager {
	return &Manager{
		store:         store,
		entries:       make(map[string]*entry),
		constructions: make(map[string]int64),
	}
}

// Resolve returns the profile for id with defaults applied.
func (m *Manager) Resolve(ctx context.Context, id string) (profile.ConnectionProfile, error) {
	p, err := m.store.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return profile.ConnectionProfile{}, err
		}
		return profile.ConnectionProfile{}, fmt.Errorf("failed to resolve connection %q: %w", id, err)
	}
	return p.WithDefaults(), nil
}

// Acquire borrows a connection for id, building the pooled source on first
// use. The caller must pass the result to Release exactly once.
func (m *Manager) Acquire(ctx context.Context, id string) (*Borrowed, error) {
	p, err := m.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	// A source retired between lookup and borrow is rejected by its pool;
	// one more pass picks up the replacement.
	for attempt := 0; ; attempt++ {
		e, err := m.entryFor(ctx, p)
		if err != nil {
			return nil, err
		}

		conn, err := m.borrow(ctx, e)
		if err != nil {
			if e.retired.Load() && attempt == 0 && ctx.Err() == nil {
				continue
			}
			return nil, err
		}

		e.borrowed.Add(1)
		return &Borrowed{ID: id, AcquiredAt: time.Now(), conn: conn, entry: e}, nil
	}
}

// borrow takes a connection from e within the profile's connection timeout,
// validating it first when the profile asks for test-on-borrow.
func (m *Manager) borrow(ctx context.Context, e *entry) (Conn, error) {
	timeout := time.Duration(e.profile.ConnectionTimeout) * time.Second
	borrowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxValidationAttempts; attempt++ {
		conn, err := e.source.Borrow(borrowCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(borrowCtx.Err(), context.DeadlineExceeded):
				return nil, fmt.Errorf("%w: connection %q: no connection available within %s",
					ErrPoolExhausted, e.id, timeout)
			default:
				return nil, configurationError(e.id, "failed to connect: %v", err)
			}
		}

		if !e.profile.TestOnBorrow {
			return conn, nil
		}

		if err := conn.Validate(borrowCtx); err != nil {
			logger.Warn("Discarding connection that failed validation",
				"connection", e.id, "attempt", attempt, "error", err)
			conn.Discard()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		return conn, nil
	}

	return nil, configurationError(e.id, "connection failed validation: %v", lastErr)
}

// entryFor returns the cached entry for p, building it if absent. Concurrent
// callers for the same id share one construction.
func (m *Manager) entryFor(ctx context.Context, p profile.ConnectionProfile) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[p.ID]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	v, err, _ := m.group.Do(p.ID, func() (any, error) {
		m.mu.RLock()
		e, ok := m.entries[p.ID]
		m.mu.RUnlock()
		if ok {
			return e, nil
		}

		start := time.Now()
		src, err := openSource(context.WithoutCancel(ctx), p)
		if err != nil {
			logger.Error("Failed to create pooled source", "connection", p.ID, "error", err)
			return nil, err
		}

		e = &entry{id: p.ID, profile: p, source: src, created: time.Now()}

		m.mu.Lock()
		m.entries[p.ID] = e
		m.constructions[p.ID]++
		m.mu.Unlock()

		logger.Info("Created pooled source",
			"connection", p.ID,
			"driver", p.EffectiveDriver(),
			"max_connections", p.MaxConnections,
			"duration", time.Since(start),
		)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// Release returns a borrowed connection. A connection whose source has been
// invalidated in the meantime is closed instead of being reused. Releasing the
// same Borrowed twice panics.
func (m *Manager) Release(b *Borrowed) {
	if !b.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("pool: connection for %q released twice", b.ID))
	}
	b.entry.borrowed.Add(-1)

	if b.entry.retired.Load() {
		logger.Debug("Closing connection from invalidated source", "connection", b.ID)
		b.conn.Discard()
		return
	}
	b.conn.Release()
}

// Invalidate removes and closes the cached source for id. Connections
// currently borrowed from it stay usable until released. It reports whether a
// source was cached.
func (m *Manager) Invalidate(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.retire(e)
	return true
}

// InvalidateAll removes and closes every cached source and returns how many
// were removed.
func (m *Manager) InvalidateAll() int {
	m.mu.Lock()
	retired := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		retired = append(retired, e)
		delete(m.entries, id)
	}
	m.mu.Unlock()

	for _, e := range retired {
		m.retire(e)
	}
	if len(retired) > 0 {
		logger.Info("Cleared connection cache", "sources", len(retired))
	}
	return len(retired)
}

func (m *Manager) retire(e *entry) {
	e.retired.Store(true)
	e.source.Close()
	logger.Info("Closed pooled source", "connection", e.id, "borrowed", e.borrowed.Load())
}

// Close invalidates every cached source.
func (m *Manager) Close() {
	m.InvalidateAll()
}

// CachedSource describes one cached pooled source.
type CachedSource struct {
	ID       string `json:"id"`
	Borrowed int64  `json:"borrowed"`
	SourceStats
}

// Stats is a snapshot of the cache.
type Stats struct {
	Sources []CachedSource `json:"sources"`
	// Constructions counts how many sources have been built per id since the
	// Manager was created.
	Constructions map[string]int64 `json:"constructions"`
}

// Stats returns a snapshot of the cached sources, sorted by id.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		Sources:       make([]CachedSource, 0, len(m.entries)),
		Constructions: make(map[string]int64, len(m.constructions)),
	}
	for id, e := range m.entries {
		st.Sources = append(st.Sources, CachedSource{
			ID:          id,
			Borrowed:    e.borrowed.Load(),
			SourceStats: e.source.Stats(),
		})
	}
	for id, n := range m.constructions {
		st.Constructions[id] = n
	}
	sort.Slice(st.Sources, func(i, j int) bool { return st.Sources[i].ID < st.Sources[j].ID })
	return st
}

// Cached reports whether a source is currently cached for id.
func (m *Manager) Cached(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Borrowed is a connection checked out of a Manager.
type Borrowed struct {
	ID         string
	AcquiredAt time.Time

	conn     Conn
	entry    *entry
	released atomic.Bool
}

// ErrReleased is returned when a released connection is used.
var ErrReleased = errors.New("connection already released")

// Execute runs one statement on the borrowed connection.
func (b *Borrowed) Execute(ctx context.Context, statement string) (Cursor, error) {
	if b.released.Load() {
		return nil, ErrReleased
	}
	return b.conn.Execute(ctx, statement)
}

// openSource builds a pooled source for p using the driver catalogue.
func openSource(ctx context.Context, p profile.ConnectionProfile) (Source, error) {
	name := p.EffectiveDriver()
	drv, ok := LookupDriver(name)
	if !ok {
		return nil, configurationError(p.ID, "unknown driver %q", name)
	}
	if drv.open == nil {
		return nil, configurationError(p.ID, "driver %q (%s) is not available", drv.Name, drv.DisplayName)
	}

	password, err := p.ResolvePassword()
	if err != nil {
		return nil, configurationError(p.ID, "%v", err)
	}

	return drv.open(ctx, p, normalizeURL(drv.Name, p.URL), password)
}
