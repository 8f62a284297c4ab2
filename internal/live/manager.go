// Package live binds consumers to live store queries and keeps their views
// usable through connectivity loss.
package live

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"loops/api/internal/retry"
	"loops/api/internal/store"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultGetOnceTimeout = 10 * time.Second
	cacheWriteTimeout     = 2 * time.Second
)

type subscriber interface {
	goOffline()
	goOnline()
	Close()
}

// Manager owns every live subscription opened through it and the store's
// network toggles.
type Manager struct {
	store          store.Store
	log            *zap.Logger
	cache          Cache
	newRetryer     func() retry.Retryer
	getOnceTimeout time.Duration

	mu      sync.Mutex
	subs    map[subscriber]struct{}
	offline bool
}

type Option func(*Manager)

func WithCache(cache Cache) Option {
	return func(m *Manager) {
		if cache != nil {
			m.cache = cache
		}
	}
}

// WithRetryer sets the reconnect strategy; each subscription gets its own
// instance.
func WithRetryer(factory func() retry.Retryer) Option {
	return func(m *Manager) {
		if factory != nil {
			m.newRetryer = factory
		}
	}
}

func WithGetOnceTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.getOnceTimeout = timeout
		}
	}
}

func NewManager(s store.Store, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:          s,
		log:            log,
		cache:          NewMemoryCache(),
		newRetryer:     func() retry.Retryer { return retry.NewFixed(defaultReconnectDelay, 0) },
		getOnceTimeout: defaultGetOnceTimeout,
		subs:           make(map[subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOffline reports whether the network was disabled through GoOffline.
func (m *Manager) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// GoOffline moves every subscription to Offline, serving cached views, then
// disables the store network. The store drains pending writes first.
func (m *Manager) GoOffline(ctx context.Context) error {
	m.mu.Lock()
	m.offline = true
	subs := m.snapshotSubs()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.goOffline()
	}
	if err := m.store.DisableNetwork(ctx); err != nil {
		return err
	}
	m.log.Info("live network disabled", zap.Int("subscriptions", len(subs)))
	return nil
}

// GoOnline re-enables the store network and re-subscribes everything.
func (m *Manager) GoOnline(ctx context.Context) error {
	if err := m.store.EnableNetwork(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.offline = false
	subs := m.snapshotSubs()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.goOnline()
	}
	m.log.Info("live network enabled", zap.Int("subscriptions", len(subs)))
	return nil
}

// Close tears down every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.snapshotSubs()
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Active returns the number of open subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Manager) snapshotSubs() []subscriber {
	subs := make([]subscriber, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (m *Manager) register(sub subscriber) {
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unregister(sub subscriber) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

func (m *Manager) saveSnapshot(q store.Query, snap store.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := m.cache.Save(ctx, q.Key(), snap); err != nil {
		m.log.Warn("snapshot cache write failed", zap.String("collection", q.Collection), zap.Error(err))
	}
}

// readFallback reads q once, falling back to the cached snapshot.
func (m *Manager) readFallback(q store.Query) (store.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.getOnceTimeout)
	defer cancel()

	snap, err := m.store.GetOnce(ctx, q)
	if err == nil {
		m.saveSnapshot(q, snap)
		return snap, true
	}
	m.log.Debug("one-shot read failed, using cache", zap.String("collection", q.Collection), zap.Error(err))

	cached, ok, cacheErr := m.cache.Load(ctx, q.Key())
	if cacheErr != nil {
		m.log.Warn("snapshot cache read failed", zap.String("collection", q.Collection), zap.Error(cacheErr))
		return store.Snapshot{}, false
	}
	if !ok {
		return store.Snapshot{}, false
	}
	cached.FromCache = true
	return cached, true
}
