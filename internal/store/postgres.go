package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN channel the documents trigger publishes the
// changed collection name on.
const NotifyChannel = "loops_documents"

// PostgresStore keeps every collection in one JSONB documents table. Live
// queries re-read on LISTEN/NOTIFY; transactions run SERIALIZABLE and are
// retried on serialization failures.
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
	log         *zap.Logger
	gate        *networkGate
	clock       func() time.Time
	maxAttempts int

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	listen   sync.Once
	cancel   context.CancelFunc
	ctx      context.Context
}

func NewPostgresStore(db *sql.DB, databaseURL string, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresStore{
		db:          db,
		databaseURL: databaseURL,
		log:         log,
		gate:        newNetworkGate(),
		clock:       time.Now,
		maxAttempts: 10,
		watchers:    make(map[*watcher]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close stops the notification listener. The *sql.DB is owned by the caller.
func (s *PostgresStore) Close() {
	s.cancel()
}

func (s *PostgresStore) Subscribe(ctx context.Context, q Query) (<-chan Event, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	if err := s.gate.check(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}
	s.listen.Do(func() { go s.listenLoop() })

	w := newWatcher(q)
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	out := make(chan Event)
	go runWatcher(ctx, w, out, s.GetOnce, func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	})
	return out, nil
}

func (s *PostgresStore) listenLoop() {
	for {
		err := s.listenOnce(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("document listener lost", zap.Error(err))
		s.abortWatchers(fmt.Errorf("listen %s: %w", NotifyChannel, ErrUnavailable))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info("document listener started", zap.String("channel", NotifyChannel))
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.pokeCollection(notification.Payload)
	}
}

func (s *PostgresStore) pokeCollection(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if w.query.Collection == collection {
			w.poke()
		}
	}
}

func (s *PostgresStore) abortWatchers(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.abort(err)
	}
}

func (s *PostgresStore) GetOnce(ctx context.Context, q Query) (Snapshot, error) {
	if err := Validate(q); err != nil {
		return Snapshot{}, err
	}
	if err := s.gate.check(); err != nil {
		return Snapshot{}, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	docs, err := loadCollection(ctx, s.db, q, false)
	if err != nil {
		return Snapshot{}, classify(fmt.Errorf("query %s: %w", q.Collection, err))
	}
	return Snapshot{Docs: Evaluate(docs, q), ReadTime: nowTimestamp(s.clock)}, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := s.gate.check(); err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc, found, err := loadDocument(ctx, s.db, docKey{collection: collection, id: id}, false)
	if err != nil {
		return Document{}, classify(fmt.Errorf("get %s/%s: %w", collection, id, err))
	}
	if !found {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return doc, nil
}

func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.gate.begin(); err != nil {
			return err
		}
		err := s.runOnce(ctx, fn)
		s.gate.end()
		if !errors.Is(err, errRetryTransaction) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("run transaction after %d attempts: %w", s.maxAttempts, ErrConflict)
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &pgTx{tx: sqlTx, clock: s.clock}
	if err := fn(ctx, tx); err != nil {
		return classify(err)
	}

	now := nowTimestamp(s.clock)
	order, staged, err := tx.stage(ctx, now, func(ctx context.Context, key docKey) (map[string]any, error) {
		doc, found, err := loadDocument(ctx, sqlTx, key, true)
		if err != nil || !found {
			return nil, err
		}
		return doc.Data, nil
	})
	if err != nil {
		return classify(err)
	}

	for _, key := range order {
		if err := writeDocument(ctx, sqlTx, key, staged[key], now.Time()); err != nil {
			return classify(err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) EnableNetwork(ctx context.Context) error {
	s.gate.enable()
	return nil
}

func (s *PostgresStore) DisableNetwork(ctx context.Context) error {
	s.gate.disable()
	s.abortWatchers(fmt.Errorf("network disabled: %w", ErrUnavailable))
	return nil
}

type pgTx struct {
	pendingWrites
	tx    *sql.Tx
	clock func() time.Time
}

func (tx *pgTx) Get(ctx context.Context, collection, id string) (Document, error) {
	key := docKey{collection: collection, id: id}
	doc, found, err := loadDocument(ctx, tx.tx, key, true)
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc, found, err = tx.overlay(key, doc, found, nowTimestamp(tx.clock))
	if err != nil {
		return Document{}, err
	}
	if !found {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return doc, nil
}

func (tx *pgTx) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	docs, err := loadCollection(ctx, tx.tx, q, false)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return tx.merge(q, docs, nowTimestamp(tx.clock))
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectDocument = `SELECT id, data, version, created_at, updated_at FROM documents`

func loadDocument(ctx context.Context, q queryer, key docKey, forUpdate bool) (Document, bool, error) {
	query := selectDocument + ` WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	doc, err := scanDocument(q.QueryRowContext(ctx, query, key.collection, key.id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// loadCollection pushes scalar equality filters down as JSONB containment.
// The caller still evaluates the full query over the result.
func loadCollection(ctx context.Context, q queryer, query Query, forUpdate bool) ([]Document, error) {
	containment, idFilter := pushdown(query)
	raw, err := MarshalData(containment)
	if err != nil {
		return nil, err
	}
	statement := selectDocument + ` WHERE collection = $1 AND data @> $2::jsonb`
	args := []any{query.Collection, string(raw)}
	if idFilter != "" {
		statement += ` AND id = $3`
		args = append(args, idFilter)
	}
	if forUpdate {
		statement += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func pushdown(q Query) (map[string]any, string) {
	containment := map[string]any{}
	idFilter := ""
	for _, f := range q.Filters {
		if f.Op != OpEqual {
			continue
		}
		value := canonical(f.Value)
		if f.Field == DocumentID {
			if id, ok := value.(string); ok {
				idFilter = id
			}
			continue
		}
		switch value.(type) {
		case string, float64, bool:
		default:
			continue
		}
		target := containment
		parts := splitPath(f.Field)
		for _, part := range parts[:len(parts)-1] {
			next, ok := target[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				target[part] = next
			}
			target = next
		}
		target[parts[len(parts)-1]] = value
	}
	return containment, idFilter
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc     Document
		raw     []byte
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&doc.ID, &raw, &doc.Version, &created, &updated); err != nil {
		return Document{}, err
	}
	data, err := UnmarshalData(raw)
	if err != nil {
		return Document{}, err
	}
	doc.Data = data
	doc.CreateTime = TimestampOf(created)
	doc.UpdateTime = TimestampOf(updated)
	return doc, nil
}

func writeDocument(ctx context.Context, ex execer, key docKey, data map[string]any, now time.Time) error {
	if data == nil {
		if _, err := ex.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, key.collection, key.id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", key.collection, key.id, err)
		}
		return nil
	}
	raw, err := MarshalData(data)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, 1, $4, $4)
		ON CONFLICT (collection, id) DO UPDATE
		SET data = EXCLUDED.data,
		    version = documents.version + 1,
		    updated_at = EXCLUDED.updated_at
	`, key.collection, key.id, string(raw), now)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", key.collection, key.id, err)
	}
	return nil
}

// classify maps driver errors onto the store's sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return errRetryTransaction
		case pgErr.Code == "42501":
			return fmt.Errorf("%w: %w", ErrPermission, err)
		case strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
