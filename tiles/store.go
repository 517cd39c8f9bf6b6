package tiles

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// StoreOptions configure the DuckDB connection pool.
type StoreOptions struct {
	// DSN is the database path; empty opens an in-memory database.
	DSN string
	// Init runs on every new connection, e.g. "LOAD spatial" or ATTACH statements.
	Init            []string
	PoolSize        int
	QueryTimeout    time.Duration
	ConnMaxLifetime time.Duration
	Logger          *zap.Logger
}

// Store runs tile and catalog queries against DuckDB. At most PoolSize
// queries run at once; a query that outlives QueryTimeout is interrupted and
// its connection discarded.
type Store struct {
	db      *sqlx.DB
	slots   *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
}

// OpenStore opens a DuckDB database through go-duckdb.
func OpenStore(opts StoreOptions) (*Store, error) {
	stmts := opts.Init
	connector, err := duckdb.NewConnector(opts.DSN, func(execer driver.ExecerContext) error {
		for _, stmt := range stmts {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("running %q: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	db := sqlx.NewDb(sql.OpenDB(connector), "duckdb")
	s := NewStore(db, opts)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	return s, nil
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB, opts StoreOptions) *Store {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Store{
		db:      db,
		slots:   semaphore.NewWeighted(int64(opts.PoolSize)),
		timeout: opts.QueryTimeout,
		logger:  opts.Logger,
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withConn checks out a pooled connection for fn under the query timeout.
// Timeouts surface as ErrTimeout; cancellation of ctx itself is returned as is.
func (s *Store) withConn(ctx context.Context, fn func(ctx context.Context, conn *sqlx.Conn) error) error {
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.slots.Acquire(qctx, 1); err != nil {
		return s.classify(ctx, qctx, err)
	}
	defer s.slots.Release(1)

	conn, err := s.db.Connx(qctx)
	if err != nil {
		return s.classify(ctx, qctx, err)
	}
	defer conn.Close()

	err = fn(qctx, conn)
	if err != nil && qctx.Err() != nil {
		// the interrupted statement may leave the connection unusable
		rawErr := conn.Raw(func(any) error { return driver.ErrBadConn })
		if rawErr != nil && !errors.Is(rawErr, driver.ErrBadConn) {
			s.logger.Warn("discarding connection failed", zap.Error(rawErr))
		}
	}
	if err != nil {
		return s.classify(ctx, qctx, err)
	}
	return nil
}

func (s *Store) classify(parent, qctx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout, err)
	}
	return err
}

// QueryBlob runs a query returning a single BLOB. NULL and empty results come back as nil.
func (s *Store) QueryBlob(ctx context.Context, query string, args ...any) ([]byte, error) {
	var data []byte
	err := s.withConn(ctx, func(ctx context.Context, conn *sqlx.Conn) error {
		err := conn.QueryRowxContext(ctx, query, args...).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Select runs a query into dest through sqlx.
func (s *Store) Select(ctx context.Context, dest any, query string, args ...any) error {
	return s.withConn(ctx, func(ctx context.Context, conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, dest, query, args...)
	})
}

// Get runs a single-row query into dest through sqlx.
func (s *Store) Get(ctx context.Context, dest any, query string, args ...any) error {
	return s.withConn(ctx, func(ctx context.Context, conn *sqlx.Conn) error {
		return conn.GetContext(ctx, dest, query, args...)
	})
}

// Exec runs a statement without the query timeout; exports can take far
// longer than a tile query.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slots.Release(1)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Columns lists the columns of schema.table in declaration order.
func (s *Store) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	var cols []Column
	err := s.Select(ctx, &cols, `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s.%s: %w", schema, table, err)
	}
	return cols, nil
}

// IsView reports whether schema.table is a view rather than a base table.
func (s *Store) IsView(ctx context.Context, schema, table string) (bool, error) {
	var kind string
	err := s.Get(ctx, &kind, `SELECT table_type FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`, schema, table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up %s.%s: %w", schema, table, err)
	}
	return strings.EqualFold(kind, "VIEW"), nil
}
