package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loops/api/internal/blob"
	"loops/api/internal/notify"
	"loops/api/internal/retry"
	"loops/api/internal/store"
)

// memoryBlobs is a blob.Storage that keeps objects in memory and can be told
// to fail every upload.
type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
	failPut bool
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}}
}

func (b *memoryBlobs) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut {
		return errors.New("storage unreachable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.objects[objectPath] = data
	return nil
}

func (b *memoryBlobs) Remove(ctx context.Context, objectPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, objectPath)
	delete(b.objects, objectPath)
	return nil
}

func (b *memoryBlobs) has(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok
}

func (b *memoryBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.CommentNotice
}

func (n *recordingNotifier) NotifyComment(notice notify.CommentNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []notify.CommentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.CommentNotice(nil), n.notices...)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.MemoryStore
	blobs *memoryBlobs
	notes *recordingNotifier
	svc   *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemoryStore(),
		blobs: newMemoryBlobs(),
		notes: &recordingNotifier{},
	}
	uploader := blob.NewUploader(f.blobs, nil, blob.WithRetryer(func() retry.Retryer {
		return retry.NewLinear(time.Millisecond, 2)
	}))
	base := []Option{WithBlobs(uploader), WithNotifier(f.notes)}
	f.svc = New(f.store, nil, append(base, opts...)...)
	return f
}

func (f *fixture) user(id, name string) {
	f.t.Helper()
	_, err := f.svc.EnsureUser(f.ctx, id, EnsureUserInput{DisplayName: name, Email: id + "@example.com"})
	require.NoError(f.t, err)
}

func (f *fixture) urlLoop(owner, title string) store.Loop {
	f.t.Helper()
	loop, err := f.svc.CreateLoop(f.ctx, owner, CreateLoopInput{
		Title:   title,
		Type:    store.LoopURL,
		Content: "https://example.com/" + title,
	})
	require.NoError(f.t, err)
	return loop
}

func (f *fixture) spot(viewer, loopID string) store.Spot {
	f.t.Helper()
	spot, err := f.svc.CreateSpot(f.ctx, viewer, loopID, CreateSpotInput{Position: store.Position{X: 10, Y: 20}, Content: "here"})
	require.NoError(f.t, err)
	return spot
}

func (f *fixture) comment(viewer, targetType, targetID string, attachments ...Upload) store.Comment {
	f.t.Helper()
	comment, err := f.svc.CreateComment(f.ctx, viewer, CreateCommentInput{
		TargetType:  targetType,
		TargetID:    targetID,
		Content:     "looks off",
		Attachments: attachments,
	})
	require.NoError(f.t, err)
	return comment
}

func (f *fixture) addMember(owner, loopID, userID, role string) {
	f.t.Helper()
	require.NoError(f.t, f.svc.AddLoopMember(f.ctx, owner, loopID, userID, role))
}

func (f *fixture) loop(id string) store.Loop {
	f.t.Helper()
	doc, err := f.store.Get(f.ctx, store.CollectionLoops, id)
	require.NoError(f.t, err)
	var loop store.Loop
	require.NoError(f.t, store.Decode(doc, &loop))
	return loop
}

func (f *fixture) spotDoc(id string) store.Spot {
	f.t.Helper()
	doc, err := f.store.Get(f.ctx, store.CollectionSpots, id)
	require.NoError(f.t, err)
	var spot store.Spot
	require.NoError(f.t, store.Decode(doc, &spot))
	return spot
}

func (f *fixture) docs(collection, field string, value any) []store.Document {
	f.t.Helper()
	snap, err := f.store.GetOnce(f.ctx, store.Query{
		Collection: collection,
		Filters:    []store.Filter{{Field: field, Op: store.OpEqual, Value: value}},
	})
	require.NoError(f.t, err)
	return snap.Docs
}

func (f *fixture) exists(collection, id string) bool {
	f.t.Helper()
	_, err := f.store.Get(f.ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	require.NoError(f.t, err)
	return true
}

func (f *fixture) team(id string) store.Team {
	f.t.Helper()
	doc, err := f.store.Get(f.ctx, store.CollectionTeams, id)
	require.NoError(f.t, err)
	var team store.Team
	require.NoError(f.t, store.Decode(doc, &team))
	return team
}

func (f *fixture) project(id string) store.Project {
	f.t.Helper()
	doc, err := f.store.Get(f.ctx, store.CollectionProjects, id)
	require.NoError(f.t, err)
	var project store.Project
	require.NoError(f.t, store.Decode(doc, &project))
	return project
}
