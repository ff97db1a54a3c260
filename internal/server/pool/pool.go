// Package pool keeps at most one live remote client per user.
//
// Clients are created lazily from the user's stored session, health-checked on
// every Get and evicted least-recently-used first once MaxConnections is
// reached. Creation for one user is serialised by a per-user lock with a
// bounded wait; the structural mutex only guards map and list mutation and is
// never held across network calls.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// SessionSource is the part of the session store the pool depends on.
type SessionSource interface {
	Get(ctx context.Context, userID int64) (*models.Session, error)
	Invalidate(ctx context.Context, userID int64) error
	Evict(ctx context.Context, userID int64) error
	Exists(ctx context.Context, userID int64) (bool, error)
}

type entry struct {
	userID int64
	client remote.Client
	elem   *list.Element
}

// userLock serialises client creation for one user. refs counts the holder
// and the waiters; the lock leaves the map only when it drops to zero.
type userLock struct {
	ch   chan struct{}
	refs int
}

type Pool struct {
	sessions    SessionSource
	factory     remote.Factory
	max         int
	lockTimeout time.Duration
	logger      logging.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	entries map[int64]*entry
	lru     *list.List // front is most recently used
	locks   map[int64]*userLock
	gens    map[int64]uint64 // bumped by Invalidate while a lock is live
}

// New builds an empty pool. maxConns below 1 is treated as 1.
func New(sessions SessionSource, factory remote.Factory, maxConns int, lockTimeout time.Duration, logger logging.Logger, m *metrics.Metrics) *Pool {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Pool{
		sessions:    sessions,
		factory:     factory,
		max:         maxConns,
		lockTimeout: lockTimeout,
		logger:      logger.With("module", "pool"),
		metrics:     m,
		entries:     make(map[int64]*entry),
		lru:         list.New(),
		locks:       make(map[int64]*userLock),
		gens:        make(map[int64]uint64),
	}
}

// Get returns a connected, authorised client for userID.
//
// Errors: common.ErrSessionNotFound when the user never linked an account,
// common.ErrorUnauthorized when the platform rejected the session (it is then
// invalidated), common.ErrConnectionTimeout when another caller holds the
// user's creation lock for longer than the configured wait.
func (p *Pool) Get(ctx context.Context, userID int64) (remote.Client, error) {
	if c, ok := p.reuse(ctx, userID); ok {
		return c, nil
	}
	return p.create(ctx, userID)
}

// reuse is the fast path: a pooled client that is alive, or comes back after
// one reconnect attempt.
func (p *Pool) reuse(ctx context.Context, userID int64) (remote.Client, bool) {
	e := p.touch(userID)
	if e == nil {
		return nil, false
	}
	if e.client.IsConnected() {
		return e.client, true
	}

	err := e.client.Connect(ctx)
	if err == nil && e.client.IsConnected() {
		p.logger.Info(ctx, "reconnected pooled client", "user_id", userID)
		return e.client, true
	}
	p.logger.Warn(ctx, "pooled client reconnect failed", "user_id", userID, "error", err)
	p.Invalidate(ctx, userID)
	return nil, false
}

func (p *Pool) create(ctx context.Context, userID int64) (remote.Client, error) {
	release, err := p.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	for {
		client, stale, err := p.dial(ctx, userID)
		if err != nil || !stale {
			return client, err
		}
		p.logger.Info(ctx, "client invalidated while connecting, dialing again", "user_id", userID)
	}
}

// dial creates and pools a client while the caller holds the user's lock.
// stale reports that the user was invalidated during the dial; the client is
// then discarded instead of pooled.
func (p *Pool) dial(ctx context.Context, userID int64) (remote.Client, bool, error) {
	if e := p.touch(userID); e != nil {
		if e.client.IsConnected() {
			return e.client, false, nil
		}
		p.drop(ctx, e)
	}

	p.mu.Lock()
	gen := p.gens[userID]
	p.mu.Unlock()

	session, err := p.sessions.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	p.shrink(ctx, p.max-1)

	client, err := p.factory.New(session.Blob)
	common.WipeByteArray(session.Blob)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create remote client: %w", err)
	}
	p.metrics.PoolDial()

	if err := client.Connect(ctx); err != nil {
		_ = client.Disconnect(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w: %w", common.ErrConnectionTimeout, err)
		}
		return nil, false, fmt.Errorf("failed to connect: %w", err)
	}

	authorized, err := client.IsAuthorized(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, false, fmt.Errorf("failed to check authorization: %w", err)
	}
	if !authorized {
		_ = client.Disconnect(ctx)
		if err := p.sessions.Invalidate(ctx, userID); err != nil {
			p.logger.Error(ctx, "failed to invalidate rejected session", "user_id", userID, "error", err)
		}
		p.logger.Warn(ctx, "remote session rejected", "user_id", userID)
		return nil, false, common.ErrorUnauthorized
	}

	p.mu.Lock()
	if p.gens[userID] != gen {
		p.mu.Unlock()
		_ = client.Disconnect(ctx)
		return nil, true, nil
	}
	if existing := p.entries[userID]; existing != nil {
		p.lru.MoveToFront(existing.elem)
		p.mu.Unlock()
		_ = client.Disconnect(ctx)
		return existing.client, false, nil
	}
	e := &entry{userID: userID, client: client}
	e.elem = p.lru.PushFront(e)
	p.entries[userID] = e
	victims := p.trimLocked(p.max)
	n := len(p.entries)
	p.mu.Unlock()

	p.close(ctx, victims)
	p.metrics.SetPoolConnections(n)
	p.logger.Info(ctx, "remote client connected", "user_id", userID, "pool_size", n)
	return client, false, nil
}

// acquire takes the per-user creation lock, waiting at most lockTimeout.
func (p *Pool) acquire(ctx context.Context, userID int64) (func(), error) {
	p.mu.Lock()
	l, ok := p.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		p.locks[userID] = l
	}
	l.refs++
	p.mu.Unlock()

	timer := time.NewTimer(p.lockTimeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
	case <-timer.C:
		p.unref(userID, l)
		p.logger.Warn(ctx, "timed out waiting for connection lock", "user_id", userID)
		return nil, common.ErrConnectionTimeout
	case <-ctx.Done():
		p.unref(userID, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.ch
		p.unref(userID, l)
	}, nil
}

func (p *Pool) unref(userID int64, l *userLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 && p.locks[userID] == l {
		delete(p.locks, userID)
		delete(p.gens, userID)
	}
}

// touch returns the entry of userID, marking it most recently used.
func (p *Pool) touch(userID int64) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[userID]
	if e != nil {
		p.lru.MoveToFront(e.elem)
	}
	return e
}

// shrink evicts LRU entries until at most limit remain.
func (p *Pool) shrink(ctx context.Context, limit int) {
	p.mu.Lock()
	victims := p.trimLocked(limit)
	n := len(p.entries)
	p.mu.Unlock()

	if len(victims) > 0 {
		p.close(ctx, victims)
		p.metrics.SetPoolConnections(n)
	}
}

func (p *Pool) trimLocked(limit int) []*entry {
	var victims []*entry
	for p.lru.Len() > limit {
		e := p.lru.Back().Value.(*entry)
		p.removeLocked(e)
		victims = append(victims, e)
	}
	return victims
}

func (p *Pool) removeLocked(e *entry) {
	p.lru.Remove(e.elem)
	delete(p.entries, e.userID)
}

// close disconnects evicted entries; their sessions stay cached.
func (p *Pool) close(ctx context.Context, victims []*entry) {
	for _, e := range victims {
		if err := e.client.Disconnect(ctx); err != nil {
			p.logger.Warn(ctx, "disconnect failed", "user_id", e.userID, "error", err)
		}
		p.logger.Info(ctx, "evicted remote client", "user_id", e.userID)
	}
	p.metrics.PoolEvictions(len(victims))
}

// drop removes e if it is still the pooled entry and disconnects it.
func (p *Pool) drop(ctx context.Context, e *entry) {
	p.mu.Lock()
	if p.entries[e.userID] == e {
		p.lru.Remove(e.elem)
		delete(p.entries, e.userID)
	}
	n := len(p.entries)
	p.mu.Unlock()

	_ = e.client.Disconnect(ctx)
	p.metrics.SetPoolConnections(n)
}

// Invalidate disconnects and forgets the user's client and evicts the cached
// session so the next Get re-reads durable storage. A creation in flight for
// the user discards its client and dials again.
func (p *Pool) Invalidate(ctx context.Context, userID int64) {
	p.mu.Lock()
	if _, busy := p.locks[userID]; busy {
		p.gens[userID]++
	}
	e := p.entries[userID]
	if e != nil {
		p.removeLocked(e)
	}
	n := len(p.entries)
	p.mu.Unlock()

	if e != nil {
		if err := e.client.Disconnect(ctx); err != nil {
			p.logger.Warn(ctx, "disconnect failed", "user_id", userID, "error", err)
		}
		p.metrics.SetPoolConnections(n)
	}
	if err := p.sessions.Evict(ctx, userID); err != nil {
		p.logger.Warn(ctx, "session cache evict failed", "user_id", userID, "error", err)
	}
}

// Refresh replaces the user's client with a freshly created one.
func (p *Pool) Refresh(ctx context.Context, userID int64) (remote.Client, error) {
	p.Invalidate(ctx, userID)
	return p.Get(ctx, userID)
}

// HasSession reports whether the user has a usable stored session.
func (p *Pool) HasSession(ctx context.Context, userID int64) (bool, error) {
	return p.sessions.Exists(ctx, userID)
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown disconnects every pooled client and empties the pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	all := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.entries = make(map[int64]*entry)
	p.lru.Init()
	p.mu.Unlock()

	var errs []error
	for _, e := range all {
		if err := e.client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", e.userID, err))
		}
	}
	p.metrics.SetPoolConnections(0)
	p.logger.Info(ctx, "connection pool shut down", "closed", len(all))
	return errors.Join(errs...)
}
