package live

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"loops/api/internal/query"
	"loops/api/internal/retry"
	"loops/api/internal/store"
)

type item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

func doc(id, title string) store.Document {
	return store.Document{ID: id, Data: map[string]any{"title": title}}
}

func waitFor[T any](t *testing.T, sub *Subscription[T], match func(View[T]) bool) View[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		v, err := sub.Next(ctx)
		require.NoError(t, err, "last view: %+v", v)
		if match(v) {
			return v
		}
	}
}

func titles(items []item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Title)
	}
	return out
}

func newTestManager(t *testing.T, s store.Store, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(s, zaptest.NewLogger(t), opts...)
	t.Cleanup(m.Close)
	return m
}

func TestUnauthenticatedViewerGetsEmptySettledView(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms)

	sub := Subscribe[item](m, "", store.CollectionLoops, nil)
	v := sub.Current()
	assert.Empty(t, v.Items)
	assert.NotNil(t, v.Items)
	assert.False(t, v.Loading)
	assert.False(t, v.Offline)
	assert.Empty(t, ms.subscriptions())
}

func TestSubscriptionDeliversNormalizedItems(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms)
	created := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	assert.True(t, sub.Current().Loading)
	require.Eventually(t, func() bool { return ms.last() != nil }, time.Second, time.Millisecond)

	ms.last().push(snapshotOf(store.Document{ID: "l1", Data: map[string]any{
		"title":     "Homepage",
		"createdAt": store.TimestampOf(created),
	}}))

	v := waitFor(t, sub, func(v View[item]) bool { return !v.Loading })
	require.Len(t, v.Items, 1)
	assert.Equal(t, "l1", v.Items[0].ID)
	assert.True(t, created.Equal(v.Items[0].CreatedAt))
	assert.False(t, v.Offline)
}

func TestRapidConstraintChangesNeverDeliverStaleSnapshots(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms)

	sub := Subscribe[item](m, "u1", store.CollectionSpots, query.New().Filter("status", store.OpEqual, query.Str("s0")))
	for i := 1; i <= 5; i++ {
		sub.Update(query.New().Filter("status", store.OpEqual, query.Str(fmt.Sprintf("s%d", i))))
	}
	require.Eventually(t, func() bool { return len(ms.subscriptions()) == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, ms.active())

	var current *mockSub
	for _, candidate := range ms.subscriptions() {
		if candidate.ctx.Err() == nil {
			current = candidate
			continue
		}
		candidate.push(snapshotOf(doc("stale", "stale")))
	}
	require.NotNil(t, current)
	assert.Equal(t, "s5", current.query.Filters[0].Value)
	require.True(t, current.push(snapshotOf(doc("fresh", "fresh"))))

	v := waitFor(t, sub, func(v View[item]) bool {
		assert.NotContains(t, titles(v.Items), "stale")
		return !v.Loading
	})
	assert.Equal(t, []string{"fresh"}, titles(v.Items))
	assert.Equal(t, "fresh", titles(sub.Current().Items)[0])
	assert.Equal(t, 1, ms.active())
}

func TestUpdateWithEqualConstraintsKeepsSubscription(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms)

	sub := Subscribe[item](m, "u1", store.CollectionSpots, query.New().Filter("loopId", store.OpEqual, query.Str("l1")))
	require.Eventually(t, func() bool { return len(ms.subscriptions()) == 1 }, time.Second, time.Millisecond)

	sub.Update(query.New().Filter("loopId", store.OpEqual, query.Str("l1")))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ms.subscriptions(), 1)
	assert.Equal(t, 1, ms.active())
}

func TestConnectivityLossServesCacheAndRecovers(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms, WithRetryer(func() retry.Retryer { return retry.NewFixed(10*time.Millisecond, 0) }))

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	require.Eventually(t, func() bool { return ms.last() != nil }, time.Second, time.Millisecond)
	first := ms.last()
	first.push(snapshotOf(doc("l1", "cached")))
	waitFor(t, sub, func(v View[item]) bool { return !v.Loading })

	ms.failNextSubscribes(store.ErrUnavailable, store.ErrUnavailable, store.ErrUnavailable)
	first.push(store.Event{Err: fmt.Errorf("stream: %w", store.ErrUnavailable)})

	v := waitFor(t, sub, func(v View[item]) bool { return v.Offline && len(v.Items) == 1 })
	assert.Equal(t, []string{"cached"}, titles(v.Items))
	assert.NoError(t, v.Err)

	require.Eventually(t, func() bool { return len(ms.subscriptions()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Degraded, sub.State())
	ms.last().push(snapshotOf(doc("l1", "cached"), doc("l2", "fresh")))

	v = waitFor(t, sub, func(v View[item]) bool { return !v.Offline && !v.Loading })
	assert.Equal(t, []string{"cached", "fresh"}, titles(v.Items))
	assert.Equal(t, Online, sub.State())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, 1, sub.peakTimers)
	assert.Equal(t, 0, sub.timers)
}

func TestDegradedViewUsesOneShotReadWhenAvailable(t *testing.T) {
	ms := &mockStore{getOnce: func(q store.Query) (store.Snapshot, error) {
		return store.Snapshot{Docs: []store.Document{doc("l9", "from get")}}, nil
	}}
	m := newTestManager(t, ms, WithRetryer(func() retry.Retryer { return retry.NewFixed(time.Hour, 0) }))

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	require.Eventually(t, func() bool { return ms.last() != nil }, time.Second, time.Millisecond)
	ms.last().push(store.Event{Err: store.ErrUnavailable})

	v := waitFor(t, sub, func(v View[item]) bool { return len(v.Items) == 1 })
	assert.True(t, v.Offline)
	assert.Equal(t, []string{"from get"}, titles(v.Items))
}

func TestRetriesExhaustedGoOffline(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms, WithRetryer(func() retry.Retryer { return retry.NewFixed(time.Millisecond, 2) }))
	ms.failNextSubscribes(store.ErrUnavailable, store.ErrUnavailable, store.ErrUnavailable)

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	require.Eventually(t, func() bool { return sub.State() == Offline }, 2*time.Second, time.Millisecond)
	assert.True(t, sub.Current().Offline)

	sub.Update(query.New().Filter("status", store.OpEqual, query.Str(store.StatusActive)))
	require.Eventually(t, func() bool { return ms.last() != nil }, time.Second, time.Millisecond)
	ms.last().push(snapshotOf(doc("l1", "back")))
	v := waitFor(t, sub, func(v View[item]) bool { return !v.Offline && !v.Loading })
	assert.Equal(t, []string{"back"}, titles(v.Items))
}

func TestPermissionErrorIsSurfacedNotRetried(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms)

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	require.Eventually(t, func() bool { return ms.last() != nil }, time.Second, time.Millisecond)
	ms.last().push(store.Event{Err: store.ErrPermission})

	v := waitFor(t, sub, func(v View[item]) bool { return v.Err != nil })
	assert.True(t, errors.Is(v.Err, store.ErrPermission))
	assert.False(t, v.Offline)
	assert.Equal(t, Online, sub.State())
	sub.mu.Lock()
	assert.Nil(t, sub.timer)
	sub.mu.Unlock()
}

func TestCloseReleasesSubscriptionAndRetryTimer(t *testing.T) {
	ms := &mockStore{}
	m := newTestManager(t, ms, WithRetryer(func() retry.Retryer { return retry.NewFixed(time.Hour, 0) }))

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	require.Eventually(t, func() bool { return ms.last() != nil }, time.Second, time.Millisecond)
	ms.last().push(store.Event{Err: store.ErrUnavailable})
	require.Eventually(t, func() bool { return sub.State() == Degraded }, time.Second, time.Millisecond)

	sub.Close()
	sub.mu.Lock()
	assert.Nil(t, sub.timer)
	assert.Equal(t, 0, sub.timers)
	sub.mu.Unlock()
	assert.Equal(t, 0, ms.active())
	assert.Equal(t, 0, m.Active())

	_, err := sub.Next(context.Background())
	for err == nil {
		_, err = sub.Next(context.Background())
	}
	assert.ErrorIs(t, err, ErrClosed)
	sub.Close()
}

func TestManagerToggleWithMemoryStore(t *testing.T) {
	s := store.NewMemoryStore()
	m := newTestManager(t, s)
	ctx := context.Background()

	create := func(id string) error {
		return s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			tx.Create(store.CollectionLoops, id, map[string]any{"title": id, "createdAt": store.ServerTimestamp})
			return nil
		})
	}
	require.NoError(t, create("a"))

	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	waitFor(t, sub, func(v View[item]) bool { return len(v.Items) == 1 && !v.Loading })

	require.NoError(t, m.GoOffline(ctx))
	v := waitFor(t, sub, func(v View[item]) bool { return v.Offline && len(v.Items) == 1 })
	assert.Equal(t, []string{"a"}, titles(v.Items))
	assert.Equal(t, Offline, sub.State())
	assert.ErrorIs(t, create("b"), store.ErrUnavailable)

	require.NoError(t, m.GoOnline(ctx))
	waitFor(t, sub, func(v View[item]) bool { return !v.Offline && !v.Loading })
	require.NoError(t, create("c"))
	v = waitFor(t, sub, func(v View[item]) bool { return len(v.Items) == 2 })
	assert.Equal(t, []string{"a", "c"}, titles(v.Items))
	assert.False(t, v.Offline)
}

func TestSubscribeWhileManagerOfflineServesCache(t *testing.T) {
	ms := &mockStore{}
	cache := NewMemoryCache()
	q := query.Build("u1", store.CollectionLoops, nil)
	require.NoError(t, cache.Save(context.Background(), q.Key(), store.Snapshot{Docs: []store.Document{doc("l1", "cached")}}))
	m := newTestManager(t, ms, WithCache(cache))

	require.NoError(t, m.GoOffline(context.Background()))
	sub := Subscribe[item](m, "u1", store.CollectionLoops, nil)
	v := waitFor(t, sub, func(v View[item]) bool { return len(v.Items) == 1 })
	assert.True(t, v.Offline)
	assert.Empty(t, ms.subscriptions())
	assert.Equal(t, 1, ms.disabled)
}
