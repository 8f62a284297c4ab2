package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errRetryTransaction = errors.New("retry transaction")

type memDoc struct {
	data    map[string]any // nil once deleted; the version survives as a tombstone
	version int64
	created Timestamp
	updated Timestamp
}

func (d *memDoc) document(id string) Document {
	return Document{
		ID:         id,
		Data:       deepCopyMap(d.data),
		CreateTime: d.created,
		UpdateTime: d.updated,
		Version:    d.version,
	}
}

// MemoryStore is an in-process Store with optimistic transactions and live
// queries. It backs tests and single-node development deployments.
type MemoryStore struct {
	gate        *networkGate
	clock       func() time.Time
	maxAttempts int

	mu          sync.Mutex
	docs        map[docKey]*memDoc
	collections map[string]int64
	watchers    map[*watcher]struct{}
}

type MemoryOption func(*MemoryStore)

func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

func WithMaxAttempts(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		gate:        newNetworkGate(),
		clock:       time.Now,
		maxAttempts: 32,
		docs:        make(map[docKey]*memDoc),
		collections: make(map[string]int64),
		watchers:    make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (<-chan Event, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	if err := s.gate.check(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}
	w := newWatcher(q)
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	out := make(chan Event)
	go runWatcher(ctx, w, out, s.fetch, func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	})
	return out, nil
}

func (s *MemoryStore) fetch(ctx context.Context, q Query) (Snapshot, error) {
	if err := s.gate.check(); err != nil {
		return Snapshot{}, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	s.mu.Lock()
	docs := s.collectionDocsLocked(q.Collection)
	s.mu.Unlock()
	return Snapshot{Docs: Evaluate(docs, q), ReadTime: nowTimestamp(s.clock)}, nil
}

func (s *MemoryStore) collectionDocsLocked(collection string) []Document {
	docs := make([]Document, 0)
	for key, d := range s.docs {
		if key.collection != collection || d.data == nil {
			continue
		}
		docs = append(docs, d.document(key.id))
	}
	return docs
}

func (s *MemoryStore) GetOnce(ctx context.Context, q Query) (Snapshot, error) {
	if err := Validate(q); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	return s.fetch(ctx, q)
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := s.gate.check(); err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docKey{collection: collection, id: id}]
	if !ok || d.data == nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return d.document(id), nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.gate.begin(); err != nil {
			return err
		}
		tx := &memTx{
			store:     s,
			reads:     make(map[docKey]int64),
			collReads: make(map[string]int64),
		}
		err := fn(ctx, tx)
		if err == nil {
			err = s.commit(ctx, tx)
		}
		s.gate.end()
		if errors.Is(err, errRetryTransaction) {
			continue
		}
		return err
	}
	return fmt.Errorf("run transaction after %d attempts: %w", s.maxAttempts, ErrConflict)
}

func (s *MemoryStore) commit(ctx context.Context, tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range tx.reads {
		if s.versionLocked(key) != seen {
			return errRetryTransaction
		}
	}
	for collection, seen := range tx.collReads {
		if s.collections[collection] != seen {
			return errRetryTransaction
		}
	}

	now := nowTimestamp(s.clock)
	order, staged, err := tx.stage(ctx, now, func(_ context.Context, key docKey) (map[string]any, error) {
		if d, ok := s.docs[key]; ok {
			return d.data, nil
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	touched := make(map[string]struct{})
	for _, key := range order {
		data := staged[key]
		d, ok := s.docs[key]
		if !ok {
			if data == nil {
				continue
			}
			d = &memDoc{}
			s.docs[key] = d
		}
		if d.data == nil && data != nil {
			d.created = now
		}
		d.data = data
		d.version++
		d.updated = now
		s.collections[key.collection]++
		touched[key.collection] = struct{}{}
	}

	for w := range s.watchers {
		if _, ok := touched[w.query.Collection]; ok {
			w.poke()
		}
	}
	return nil
}

func (s *MemoryStore) versionLocked(key docKey) int64 {
	if d, ok := s.docs[key]; ok {
		return d.version
	}
	return 0
}

func (s *MemoryStore) EnableNetwork(ctx context.Context) error {
	s.gate.enable()
	return nil
}

func (s *MemoryStore) DisableNetwork(ctx context.Context) error {
	s.gate.disable()
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.abort(fmt.Errorf("network disabled: %w", ErrUnavailable))
	}
	return nil
}

type memTx struct {
	pendingWrites
	store     *MemoryStore
	reads     map[docKey]int64
	collReads map[string]int64
}

func (tx *memTx) Get(ctx context.Context, collection, id string) (Document, error) {
	key := docKey{collection: collection, id: id}
	s := tx.store
	s.mu.Lock()
	var doc Document
	exists := false
	if d, ok := s.docs[key]; ok && d.data != nil {
		doc, exists = d.document(id), true
	}
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = s.versionLocked(key)
	}
	s.mu.Unlock()

	doc, exists, err := tx.overlay(key, doc, exists, nowTimestamp(s.clock))
	if err != nil {
		return Document{}, err
	}
	if !exists {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return doc, nil
}

func (tx *memTx) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	s := tx.store
	s.mu.Lock()
	if _, seen := tx.collReads[q.Collection]; !seen {
		tx.collReads[q.Collection] = s.collections[q.Collection]
	}
	docs := s.collectionDocsLocked(q.Collection)
	for _, doc := range docs {
		key := docKey{collection: q.Collection, id: doc.ID}
		if _, seen := tx.reads[key]; !seen {
			tx.reads[key] = doc.Version
		}
	}
	s.mu.Unlock()
	return tx.merge(q, docs, nowTimestamp(s.clock))
}
