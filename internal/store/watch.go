package store

import (
	"context"
	"strconv"
	"strings"
)

type watcher struct {
	query  Query
	notify chan struct{}
	fail   chan error
}

func newWatcher(q Query) *watcher {
	w := &watcher{
		query:  q,
		notify: make(chan struct{}, 1),
		fail:   make(chan error, 1),
	}
	w.poke()
	return w
}

// poke schedules a re-read. Pending pokes coalesce.
func (w *watcher) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) abort(err error) {
	select {
	case w.fail <- err:
	default:
	}
}

type fetchFunc func(ctx context.Context, q Query) (Snapshot, error)

// runWatcher re-reads the query on every poke and forwards changed result sets
// to out until ctx ends or the watcher is aborted. out is closed on return.
func runWatcher(ctx context.Context, w *watcher, out chan<- Event, fetch fetchFunc, done func()) {
	defer close(out)
	defer done()

	sendErr := func(err error) {
		select {
		case out <- Event{Err: err}:
		case <-ctx.Done():
		}
	}

	var last string
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-w.fail:
			sendErr(err)
			return
		case <-w.notify:
		}

		snap, err := fetch(ctx, w.query)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sendErr(err)
			return
		}
		sum := fingerprint(snap.Docs)
		if delivered && sum == last {
			continue
		}
		select {
		case out <- Event{Snapshot: &snap}:
			last, delivered = sum, true
		case err := <-w.fail:
			sendErr(err)
			return
		case <-ctx.Done():
			return
		}
	}
}

func fingerprint(docs []Document) string {
	var b strings.Builder
	for _, doc := range docs {
		b.WriteString(doc.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(doc.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}
