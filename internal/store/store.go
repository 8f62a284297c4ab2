package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	// ErrUnavailable reports lost connectivity to the store or a disabled network.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when a transaction kept losing optimistic
	// concurrency checks until its attempt budget ran out.
	ErrConflict     = errors.New("transaction conflict")
	ErrPermission   = errors.New("permission denied by store")
	ErrInvalidQuery = errors.New("invalid query")
)

// Store is the real-time document store every other component talks to.
type Store interface {
	// Subscribe opens a live query. The returned channel receives a snapshot
	// immediately and after every committed change to the queried collection.
	// Cancelling ctx ends the subscription and closes the channel.
	Subscribe(ctx context.Context, q Query) (<-chan Event, error)
	GetOnce(ctx context.Context, q Query) (Snapshot, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	// RunTransaction runs fn and commits its writes atomically. fn may be
	// invoked more than once when a concurrent commit invalidates its reads,
	// so it must not have side effects outside tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	EnableNetwork(ctx context.Context) error
	// DisableNetwork waits for in-flight commits to finish, then fails every
	// open subscription with ErrUnavailable.
	DisableNetwork(ctx context.Context) error
}

// Tx buffers writes until commit. Reads observe the transaction's own
// pending writes.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Create(collection, id string, data map[string]any)
	Set(collection, id string, data map[string]any)
	Update(collection, id string, fields map[string]any)
	Delete(collection, id string)
}

// IsConnectivity reports whether err is a transport-level failure rather than
// a permission, validation or not-found error.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
