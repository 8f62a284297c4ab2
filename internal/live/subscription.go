package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"loops/api/internal/query"
	"loops/api/internal/retry"
	"loops/api/internal/store"
)

var ErrClosed = errors.New("subscription closed")

// View is what a consumer observes: the decoded result set, whether the first
// snapshot is still pending, the last non-connectivity error and whether the
// data may be stale.
type View[T any] struct {
	Items   []T    `json:"items"`
	Loading bool   `json:"loading"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
	Offline bool   `json:"isOffline"`
}

// Subscription keeps exactly one store subscription open for its current
// constraints. Updates is a latest-value channel: a slow consumer only misses
// intermediate views, never the newest one.
type Subscription[T any] struct {
	m          *Manager
	viewerID   string
	collection string
	updates    chan View[T]

	mu          sync.Mutex
	constraints *query.Constraints
	generation  uint64
	cancel      context.CancelFunc
	retryer     retry.Retryer
	attempt     int
	timer       *time.Timer
	timerSeq    uint64
	timers      int
	peakTimers  int
	state       State
	current     View[T]
	closed      bool
}

// Subscribe opens a live view of collection for viewerID. An empty viewerID
// yields an empty, settled view without touching the store.
func Subscribe[T any](m *Manager, viewerID, collection string, c *query.Constraints) *Subscription[T] {
	s := &Subscription[T]{
		m:           m,
		viewerID:    viewerID,
		collection:  collection,
		updates:     make(chan View[T], 1),
		constraints: c,
		retryer:     m.newRetryer(),
		current:     View[T]{Items: []T{}, Loading: true},
	}
	m.register(s)

	s.mu.Lock()
	s.start()
	s.mu.Unlock()
	return s
}

func (s *Subscription[T]) Updates() <-chan View[T] {
	return s.updates
}

func (s *Subscription[T]) Current() View[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Subscription[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next waits for the next view.
func (s *Subscription[T]) Next(ctx context.Context) (View[T], error) {
	select {
	case v, ok := <-s.updates:
		if !ok {
			return s.Current(), ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return s.Current(), ctx.Err()
	}
}

// Update switches to new constraints. Deep-equal constraints keep the current
// store subscription.
func (s *Subscription[T]) Update(c *query.Constraints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.constraints.Equal(c) {
		return
	}
	s.constraints = c
	s.stop()
	s.attempt = 0
	s.retryer.Reset()
	s.start()
}

// Close releases the store subscription and any pending retry.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stop()
	close(s.updates)
	s.mu.Unlock()
	s.m.unregister(s)
}

// start opens a store subscription for the current constraints. Callers hold mu.
func (s *Subscription[T]) start() {
	s.generation++
	gen := s.generation

	q := query.Build(s.viewerID, s.collection, s.constraints)
	if q == nil {
		s.publish(View[T]{Items: []T{}})
		return
	}
	if s.m.IsOffline() {
		s.enterOffline(gen, *q)
		return
	}
	if s.state == Offline {
		s.transitionTo(Online)
	}

	s.publish(View[T]{Items: s.current.Items, Loading: true, Offline: s.state.IsOffline()})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, gen, *q)
}

// stop invalidates every callback of the current generation. Callers hold mu.
func (s *Subscription[T]) stop() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.stopTimer()
}

func (s *Subscription[T]) stopTimer() {
	if s.timer == nil {
		return
	}
	if s.timer.Stop() {
		s.timers--
	}
	s.timer = nil
	s.timerSeq++
}

func (s *Subscription[T]) run(ctx context.Context, gen uint64, q store.Query) {
	events, err := s.m.store.Subscribe(ctx, q)
	if err != nil {
		s.handleError(gen, q, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.handleError(gen, q, fmt.Errorf("subscription ended: %w", store.ErrUnavailable))
				}
				return
			}
			if ev.Err != nil {
				s.handleError(gen, q, ev.Err)
				return
			}
			if ev.Snapshot != nil {
				s.deliver(gen, q, *ev.Snapshot)
			}
		}
	}
}

func (s *Subscription[T]) deliver(gen uint64, q store.Query, snap store.Snapshot) {
	items, err := store.DecodeAll[T](snap.Docs)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.publish(View[T]{Items: s.current.Items, Err: err, Error: err.Error(), Offline: s.state.IsOffline()})
		s.mu.Unlock()
		return
	}
	if s.state != Online {
		s.transitionTo(Online)
		s.attempt = 0
		s.retryer.Reset()
	}
	s.publish(View[T]{Items: items})
	s.mu.Unlock()

	s.m.saveSnapshot(q, snap)
}

func (s *Subscription[T]) handleError(gen uint64, q store.Query, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	if !store.IsConnectivity(err) {
		s.m.log.Warn("live query failed", zap.String("collection", q.Collection), zap.Error(err))
		s.publish(View[T]{Items: s.current.Items, Err: err, Error: err.Error(), Offline: s.state.IsOffline()})
		return
	}

	s.m.log.Info("live query lost connectivity",
		zap.String("collection", q.Collection),
		zap.Stringer("state", s.state),
		zap.Error(err),
	)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if !s.transitionTo(Degraded) {
		return
	}
	s.publish(View[T]{Items: s.current.Items, Offline: true})
	go s.fallback(gen, q)
	s.scheduleRetry(gen, err)
}

// scheduleRetry replaces any pending retry timer. Callers hold mu.
func (s *Subscription[T]) scheduleRetry(gen uint64, lastErr error) {
	delay, ok := s.retryer.NextDelay(s.attempt, lastErr)
	s.attempt++
	if !ok {
		s.m.log.Warn("live query retries exhausted", zap.String("collection", s.collection), zap.Int("attempts", s.attempt))
		s.stopTimer()
		s.transitionTo(Offline)
		s.publish(View[T]{Items: s.current.Items, Offline: true})
		return
	}

	s.stopTimer()
	seq := s.timerSeq
	s.timers++
	if s.timers > s.peakTimers {
		s.peakTimers = s.timers
	}
	s.timer = time.AfterFunc(delay, func() { s.retryFired(gen, seq) })
}

func (s *Subscription[T]) retryFired(gen, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers--
	if gen != s.generation || seq != s.timerSeq || s.closed {
		return
	}
	s.timer = nil
	s.start()
}

func (s *Subscription[T]) fallback(gen uint64, q store.Query) {
	snap, ok := s.m.readFallback(q)
	if !ok {
		return
	}
	items, err := store.DecodeAll[T](snap.Docs)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.state.IsOffline() {
		return
	}
	s.publish(View[T]{Items: items, Offline: true})
}

// enterOffline serves the best available data for q without a store
// subscription. Callers hold mu.
func (s *Subscription[T]) enterOffline(gen uint64, q store.Query) {
	s.transitionTo(Offline)
	s.publish(View[T]{Items: s.current.Items, Offline: true})
	go s.fallback(gen, q)
}

func (s *Subscription[T]) goOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stop()
	gen := s.generation
	q := query.Build(s.viewerID, s.collection, s.constraints)
	if q == nil {
		return
	}
	s.enterOffline(gen, *q)
}

func (s *Subscription[T]) goOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stop()
	s.attempt = 0
	s.retryer.Reset()
	s.start()
}

// transitionTo moves to next, logging and refusing invalid transitions.
// Callers hold mu.
func (s *Subscription[T]) transitionTo(next State) bool {
	if s.state == next && next != Degraded {
		return true
	}
	if err := s.state.validateTransitionTo(next); err != nil {
		s.m.log.Error("live state", zap.String("collection", s.collection), zap.Error(err))
		return false
	}
	s.m.log.Debug("live state transitioned",
		zap.String("collection", s.collection),
		zap.Stringer("from", s.state),
		zap.Stringer("to", next),
	)
	s.state = next
	return true
}

// publish replaces the pending view, if any, with v. Callers hold mu.
func (s *Subscription[T]) publish(v View[T]) {
	if v.Items == nil {
		v.Items = []T{}
	}
	s.current = v
	if s.closed {
		return
	}
	select {
	case s.updates <- v:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- v
	}
}
