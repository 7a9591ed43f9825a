// Package sqlite provides an embedded, persistent index catalog backed by
// SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ridgelinedb/ridgeline/pkg/logger"
	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

var tracer = otel.Tracer("ridgeline/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const schema = `
CREATE TABLE IF NOT EXISTS collection (
	namespace TEXT PRIMARY KEY,
	id        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS collection_index (
	namespace TEXT NOT NULL,
	name      TEXT NOT NULL,
	spec      BLOB NOT NULL,
	ready     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, name)
);
`

// Config holds optional settings for the SQLite catalog.
type Config struct {
	Logger logger.Logger

	// ExportMetrics registers a database/sql stats collector with the
	// default prometheus registerer.
	ExportMetrics bool
}

// Datastore is a SQLite-backed implementation of [storage.IndexCatalog].
//
// SQLite has no collection-level lock manager, so the datastore carries its
// own: one RWMutex per namespace, shared by read guards and catalog writers.
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector

	lockMu sync.Mutex
	locks  map[string]*sync.RWMutex
}

var _ storage.IndexCatalog = (*Datastore)(nil)

// PrepareDSN applies the pragma defaults the catalog needs: WAL journaling,
// a short busy timeout so lock contention surfaces as a retryable error
// rather than a stall, and immediate transactions.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New opens (and if necessary initializes) a SQLite catalog at uri.
func New(uri string, cfg *Config) (*Datastore, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "ridgeline")
		if err := prometheus.Register(collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
		locks:            make(map[string]*sync.RWMutex),
	}, nil
}

// Close see [storage.IndexCatalog].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

func newCollectionID() string {
	return ulid.Make().String()
}

func (s *Datastore) lockFor(namespace string) *sync.RWMutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	mu, ok := s.locks[namespace]
	if !ok {
		mu = &sync.RWMutex{}
		s.locks[namespace] = mu
	}
	return mu
}

// CreateCollection see [storage.CatalogAdmin].CreateCollection.
func (s *Datastore) CreateCollection(ctx context.Context, namespace string) (string, error) {
	ctx, span := startTrace(ctx, "CreateCollection")
	defer span.End()

	mu := s.lockFor(namespace)
	mu.Lock()
	defer mu.Unlock()

	id := newCollectionID()
	_, err := s.stbl.
		Insert("collection").
		Columns("namespace", "id").
		Values(namespace, id).
		ExecContext(ctx)
	if err != nil {
		return "", handleSQLError(err)
	}
	return id, nil
}

// DropCollection see [storage.CatalogAdmin].DropCollection.
func (s *Datastore) DropCollection(ctx context.Context, namespace string) error {
	ctx, span := startTrace(ctx, "DropCollection")
	defer span.End()

	mu := s.lockFor(namespace)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.stbl.
		Delete("collection").
		Where(sq.Eq{"namespace": namespace}).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return handleSQLError(err)
	}
	if n == 0 {
		return fmt.Errorf("collection %q: %w", namespace, storage.ErrNotFound)
	}

	_, err = s.stbl.
		Delete("collection_index").
		Where(sq.Eq{"namespace": namespace}).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	return nil
}

// CreateIndex see [storage.CatalogAdmin].CreateIndex.
func (s *Datastore) CreateIndex(ctx context.Context, namespace string, spec storage.IndexSpec, ready bool) error {
	ctx, span := startTrace(ctx, "CreateIndex")
	defer span.End()

	if spec.Name == "" {
		return fmt.Errorf("index spec must carry a name")
	}

	mu := s.lockFor(namespace)
	mu.Lock()
	defer mu.Unlock()

	if err := s.requireCollection(ctx, namespace); err != nil {
		return err
	}

	doc, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("serialize index spec %q: %w", spec.Name, err)
	}

	readyVal := 0
	if ready {
		readyVal = 1
	}
	_, err = s.stbl.
		Insert("collection_index").
		Columns("namespace", "name", "spec", "ready").
		Values(namespace, spec.Name, doc, readyVal).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	return nil
}

// FinishIndexBuild see [storage.CatalogAdmin].FinishIndexBuild.
func (s *Datastore) FinishIndexBuild(ctx context.Context, namespace, name string) error {
	ctx, span := startTrace(ctx, "FinishIndexBuild")
	defer span.End()

	mu := s.lockFor(namespace)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.stbl.
		Update("collection_index").
		Set("ready", 1).
		Where(sq.Eq{"namespace": namespace, "name": name}).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return handleSQLError(err)
	}
	if n == 0 {
		return fmt.Errorf("index %q on %q: %w", name, namespace, storage.ErrNotFound)
	}
	return nil
}

// DropIndex see [storage.CatalogAdmin].DropIndex.
func (s *Datastore) DropIndex(ctx context.Context, namespace, name string) error {
	ctx, span := startTrace(ctx, "DropIndex")
	defer span.End()

	mu := s.lockFor(namespace)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.stbl.
		Delete("collection_index").
		Where(sq.Eq{"namespace": namespace, "name": name}).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return handleSQLError(err)
	}
	if n == 0 {
		return fmt.Errorf("index %q on %q: %w", name, namespace, storage.ErrNotFound)
	}
	return nil
}

// BeginRead see [storage.CatalogBackend].BeginRead.
func (s *Datastore) BeginRead(ctx context.Context, namespace string) (storage.CollectionReadGuard, error) {
	ctx, span := startTrace(ctx, "BeginRead")
	defer span.End()

	mu := s.lockFor(namespace)
	mu.RLock()

	var id string
	err := s.stbl.
		Select("id").
		From("collection").
		Where(sq.Eq{"namespace": namespace}).
		QueryRowContext(ctx).
		Scan(&id)
	if err != nil {
		mu.RUnlock()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("collection %q: %w", namespace, storage.ErrNotFound)
		}
		return nil, handleSQLError(err)
	}

	return &readGuard{ds: s, namespace: namespace, id: id, mu: mu}, nil
}

func (s *Datastore) requireCollection(ctx context.Context, namespace string) error {
	var id string
	err := s.stbl.
		Select("id").
		From("collection").
		Where(sq.Eq{"namespace": namespace}).
		QueryRowContext(ctx).
		Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("collection %q: %w", namespace, storage.ErrNotFound)
	}
	if err != nil {
		return handleSQLError(err)
	}
	return nil
}

// readGuard serves catalog reads while holding the namespace read lock.
type readGuard struct {
	ds        *Datastore
	namespace string
	id        string
	mu        *sync.RWMutex
	release   sync.Once
}

var _ storage.CollectionReadGuard = (*readGuard)(nil)

// CollectionID see [storage.CollectionReadGuard].CollectionID.
func (g *readGuard) CollectionID() string {
	return g.id
}

// ListIndexNames see [storage.CollectionReadGuard].ListIndexNames.
func (g *readGuard) ListIndexNames(ctx context.Context, opts storage.ListIndexNamesOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sb := g.ds.stbl.
		Select("name").
		From("collection_index").
		Where(sq.Eq{"namespace": g.namespace}).
		OrderBy("name")
	if !opts.IncludeNotReady {
		sb = sb.Where(sq.Eq{"ready": 1})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, handleSQLError(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return names, nil
}

// IndexRecord see [storage.CollectionReadGuard].IndexRecord.
func (g *readGuard) IndexRecord(ctx context.Context, name string) (storage.IndexRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IndexRecord{}, err
	}

	var (
		doc   []byte
		ready int
	)
	err := g.ds.stbl.
		Select("spec", "ready").
		From("collection_index").
		Where(sq.Eq{"namespace": g.namespace, "name": name}).
		QueryRowContext(ctx).
		Scan(&doc, &ready)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.IndexRecord{}, fmt.Errorf("index %q: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return storage.IndexRecord{}, handleSQLError(err)
	}

	var spec storage.IndexSpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return storage.IndexRecord{}, fmt.Errorf("decode index spec %q: %w", name, err)
	}
	return storage.IndexRecord{Spec: spec, Ready: ready == 1}, nil
}

// Release see [storage.CollectionReadGuard].Release.
func (g *readGuard) Release() {
	g.release.Do(g.mu.RUnlock)
}

// handleSQLError converts a SQL error into the storage taxonomy. The
// SQLITE_BUSY family maps to ErrWriteConflict so contention flows through
// the caller's conflict-retry path instead of failing the operation.
func handleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return storage.ErrCollision
		}
		if isBusyCode(sqliteErr.Code()) {
			return fmt.Errorf("sqlite busy: %w", storage.ErrWriteConflict)
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

var busyCodes = map[int]struct{}{
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_LOCKED:             {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
}

func isBusyCode(code int) bool {
	_, ok := busyCodes[code]
	return ok
}
