package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store, collection, id string, data map[string]any) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Create(collection, id, data)
		return nil
	})
	require.NoError(t, err)
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Event{}
	}
}

func TestMemoryStoreConcurrentIncrementsAreNotLost(t *testing.T) {
	s := NewMemoryStore(WithMaxAttempts(200))
	seed(t, s, CollectionLoops, "loop-1", map[string]any{"spotCount": 0})

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
				if _, err := tx.Get(ctx, CollectionLoops, "loop-1"); err != nil {
					return err
				}
				tx.Update(CollectionLoops, "loop-1", map[string]any{"spotCount": Increment(1)})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.Get(context.Background(), CollectionLoops, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, float64(writers), doc.Data["spotCount"])
}

func TestMemoryStoreReadModifyWriteRetriesOnConflict(t *testing.T) {
	s := NewMemoryStore(WithMaxAttempts(200))
	seed(t, s, CollectionLoops, "loop-1", map[string]any{"spotSeq": 0})

	const writers = 10
	numbers := make(chan float64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var assigned float64
			err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
				doc, err := tx.Get(ctx, CollectionLoops, "loop-1")
				if err != nil {
					return err
				}
				assigned = doc.Data["spotSeq"].(float64) + 1
				tx.Update(CollectionLoops, "loop-1", map[string]any{"spotSeq": assigned})
				return nil
			})
			assert.NoError(t, err)
			numbers <- assigned
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[float64]bool{}
	for n := range numbers {
		assert.False(t, seen[n], "number %v assigned twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, writers)
}

func TestMemoryStoreTransactionIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, CollectionLoops, "loop-1", map[string]any{"spotCount": 0})

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Update(CollectionLoops, "loop-1", map[string]any{"spotCount": Increment(1)})
		tx.Update(CollectionSpots, "missing", map[string]any{"content": "x"})
		return nil
	})
	require.ErrorIs(t, err, ErrNotFound)

	doc, err := s.Get(context.Background(), CollectionLoops, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, float64(0), doc.Data["spotCount"])
}

func TestMemoryStoreCallbackErrorDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Create(CollectionLoops, "loop-1", map[string]any{"title": "x"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(context.Background(), CollectionLoops, "loop-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTransactionReadsItsOwnWrites(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, CollectionSpots, "spot-1", map[string]any{"loopId": "loop-1"})

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Create(CollectionSpots, "spot-2", map[string]any{"loopId": "loop-1"})
		tx.Delete(CollectionSpots, "spot-1")

		docs, err := tx.Query(ctx, Collection(CollectionSpots).Where("loopId", OpEqual, "loop-1"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "spot-2", docs[0].ID)

		_, err = tx.Get(ctx, CollectionSpots, "spot-1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreCreateExistingFails(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, CollectionUsers, "u1", map[string]any{"displayName": "Ada"})

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Create(CollectionUsers, "u1", map[string]any{"displayName": "Other"})
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStoreServerTimestampAndArrayTransforms(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return fixed }))
	seed(t, s, CollectionTeams, "t1", map[string]any{
		"memberIds": []string{"a"},
		"members":   map[string]any{"a": map[string]any{"role": "owner"}},
	})

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Update(CollectionTeams, "t1", map[string]any{
			"memberIds":   ArrayUnion("b", "a"),
			"members.b":   map[string]any{"role": "editor"},
			"members.a":   DeleteField,
			"updatedAt":   ServerTimestamp,
			"nested.seen": true,
		})
		return nil
	})
	require.NoError(t, err)

	doc, err := s.Get(context.Background(), CollectionTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, doc.Data["memberIds"])
	assert.Equal(t, map[string]any{"b": map[string]any{"role": "editor"}}, doc.Data["members"])
	assert.Equal(t, TimestampOf(fixed), doc.Data["updatedAt"])
	assert.Equal(t, map[string]any{"seen": true}, doc.Data["nested"])

	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Update(CollectionTeams, "t1", map[string]any{"memberIds": ArrayRemove("a")})
		return nil
	})
	require.NoError(t, err)
	doc, err = s.Get(context.Background(), CollectionTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, doc.Data["memberIds"])
}

func TestMemoryStoreSubscribePushesChanges(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx, Collection(CollectionSpots).Where("loopId", OpEqual, "loop-1"))
	require.NoError(t, err)

	first := nextEvent(t, events)
	require.NoError(t, first.Err)
	assert.Empty(t, first.Snapshot.Docs)

	seed(t, s, CollectionSpots, "spot-1", map[string]any{"loopId": "loop-1"})
	second := nextEvent(t, events)
	require.NotNil(t, second.Snapshot)
	require.Len(t, second.Snapshot.Docs, 1)
	assert.Equal(t, "spot-1", second.Snapshot.Docs[0].ID)

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			// A push racing the cancel is allowed; the channel must still close.
			_, ok = <-events
		}
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestMemoryStoreDisableNetworkFailsSubscriptions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	events, err := s.Subscribe(ctx, Collection(CollectionLoops))
	require.NoError(t, err)
	nextEvent(t, events)

	require.NoError(t, s.DisableNetwork(ctx))
	ev := nextEvent(t, events)
	assert.ErrorIs(t, ev.Err, ErrUnavailable)
	assert.True(t, IsConnectivity(ev.Err))

	_, err = s.GetOnce(ctx, Collection(CollectionLoops))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Subscribe(ctx, Collection(CollectionLoops))
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, s.EnableNetwork(ctx))
	snap, err := s.GetOnce(ctx, Collection(CollectionLoops))
	require.NoError(t, err)
	assert.Empty(t, snap.Docs)
}

func TestMemoryStoreDisableNetworkDrainsInFlightCommits(t *testing.T) {
	s := NewMemoryStore()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
			close(started)
			<-release
			tx.Create(CollectionComments, "c1", map[string]any{"content": "hi"})
			return nil
		})
	}()
	<-started

	disabled := make(chan struct{})
	go func() {
		_ = s.DisableNetwork(context.Background())
		close(disabled)
	}()

	select {
	case <-disabled:
		t.Fatal("network disabled before the pending write committed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	<-disabled

	require.NoError(t, s.EnableNetwork(context.Background()))
	_, err := s.Get(context.Background(), CollectionComments, "c1")
	assert.NoError(t, err)
}
