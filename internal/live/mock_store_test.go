package live

import (
	"context"
	"sync"

	"loops/api/internal/store"
)

type mockSub struct {
	query  store.Query
	ctx    context.Context
	events chan store.Event
}

// mockStore scripts subscription pushes, subscribe failures and one-shot
// reads.
type mockStore struct {
	mu            sync.Mutex
	subs          []*mockSub
	subscribeErrs []error
	getOnce       func(q store.Query) (store.Snapshot, error)
	disabled      int
	enabled       int
}

func (m *mockStore) Subscribe(ctx context.Context, q store.Query) (<-chan store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscribeErrs) > 0 {
		err := m.subscribeErrs[0]
		m.subscribeErrs = m.subscribeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sub := &mockSub{query: q, ctx: ctx, events: make(chan store.Event)}
	m.subs = append(m.subs, sub)
	return sub.events, nil
}

func (m *mockStore) GetOnce(ctx context.Context, q store.Query) (store.Snapshot, error) {
	m.mu.Lock()
	fn := m.getOnce
	m.mu.Unlock()
	if fn == nil {
		return store.Snapshot{}, store.ErrUnavailable
	}
	return fn(q)
}

func (m *mockStore) Get(ctx context.Context, collection, id string) (store.Document, error) {
	return store.Document{}, store.ErrNotFound
}

func (m *mockStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return store.ErrUnavailable
}

func (m *mockStore) EnableNetwork(ctx context.Context) error {
	m.mu.Lock()
	m.enabled++
	m.mu.Unlock()
	return nil
}

func (m *mockStore) DisableNetwork(ctx context.Context) error {
	m.mu.Lock()
	m.disabled++
	m.mu.Unlock()
	return nil
}

func (m *mockStore) subscriptions() []*mockSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockSub(nil), m.subs...)
}

func (m *mockStore) last() *mockSub {
	subs := m.subscriptions()
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (m *mockStore) active() int {
	n := 0
	for _, sub := range m.subscriptions() {
		if sub.ctx.Err() == nil {
			n++
		}
	}
	return n
}

func (m *mockStore) failNextSubscribes(errs ...error) {
	m.mu.Lock()
	m.subscribeErrs = append(m.subscribeErrs, errs...)
	m.mu.Unlock()
}

// push delivers ev unless the subscriber is gone. It reports delivery.
func (sub *mockSub) push(ev store.Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-sub.ctx.Done():
		return false
	}
}

func snapshotOf(docs ...store.Document) store.Event {
	return store.Event{Snapshot: &store.Snapshot{Docs: docs}}
}
