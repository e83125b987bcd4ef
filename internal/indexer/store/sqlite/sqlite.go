package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

const dbFileName = "indexer.db"

// SQLite implements store.Store on a single database file. Durability is
// bounded by the chain source, which replays on restart, so the pragmas
// trade fsync guarantees for throughput.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func WithNow(nowFunc func() time.Time) func(*SQLite) {
	return func(s *SQLite) {
		s.now = nowFunc
	}
}

// New opens (or creates) the database under folder, applies any missing
// schema migrations and seeds the default trust list. With memory=true an
// anonymous shared-cache in-memory database is used instead.
func New(logger *slog.Logger, memory bool, folder string, opts ...func(*SQLite)) (*SQLite, error) {
	var err error
	var filename string
	if memory {
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		filename, err = filepath.Abs(path.Join(folder, dbFileName))
		if err != nil {
			return nil, errors.Join(store.ErrFailedToOpenDB, err)
		}
		filename = fmt.Sprintf("%s?cache=shared&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL", filename)
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToOpenDB, err)
	}

	// a single connection keeps the shared in-memory database alive and
	// serialises writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA cache_size = -128000;`,
		`PRAGMA synchronous = OFF;`,
	}
	for _, pragma := range pragmas {
		if _, err = db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Join(store.ErrFailedToOpenDB, err)
		}
	}

	if err = migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, errors.Join(store.ErrFailedToMigrate, err)
	}

	if err = seedTrustlist(db); err != nil {
		_ = db.Close()
		return nil, errors.Join(store.ErrFailedToMigrate, err)
	}

	s := &SQLite{
		db:  db,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// WithTransaction runs fn inside one write transaction. A non-nil error from
// fn rolls everything back.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	err = fn(&dbTx{tx: sqlTx, now: s.now})
	if err != nil {
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil {
			return errors.Join(store.ErrFailedToRollback, rollbackErr, err)
		}
		return err
	}

	return sqlTx.Commit()
}

func (s *SQLite) Ping(ctx context.Context) error {
	_, err := s.db.QueryContext(ctx, "SELECT 1;")
	return err
}

func (s *SQLite) Close(_ context.Context) error {
	return s.db.Close()
}

// dbTx wraps *sql.Tx with the typed operations of store.Tx.
type dbTx struct {
	tx  *sql.Tx
	now func() time.Time
}
