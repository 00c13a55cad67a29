package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/iudanet/benchkeeper/internal/server/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var _ storage.Store = (*Storage)(nil)

// Defaults for the shared connection pool
const (
	DefaultMaxConns       = 4
	DefaultAcquireTimeout = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
)

// Config параметры пула соединений к одной точке подключения
type Config struct {
	DSN            string
	MaxConns       int32         // MaxConns размер пула, общий для всех фоновых и пользовательских операций
	AcquireTimeout time.Duration // AcquireTimeout сколько ждать свободного соединения, затем ErrTransient
	ConnectTimeout time.Duration
}

// Storage represents PostgreSQL implementation of the central store
type Storage struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// New creates a pool for the endpoint. Connections are opened lazily, so an
// unreachable endpoint does not fail construction.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	pcfg.MaxConns = DefaultMaxConns
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.ConnConfig.ConnectTimeout = DefaultConnectTimeout
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect pg: %w", err)
	}

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	return &Storage{pool: pool, acquireTimeout: acquireTimeout}, nil
}

// Close closes the pool
func (s *Storage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks that the endpoint answers a trivial round trip
func (s *Storage) Ping(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if err := conn.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Migrate applies the embedded schema migrations
func (s *Storage) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}

	return nil
}

// acquire waits for a pool connection no longer than acquireTimeout.
func (s *Storage) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(actx)
	if err != nil {
		return nil, storage.Transient("acquire connection", err)
	}
	return conn, nil
}

// classify maps pgx errors onto the central storage taxonomy. Everything that
// is not a server-reported error is a transport failure and is retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return storage.Transient(op, err)
	}

	switch pgErr.Code {
	case "25006": // read_only_sql_transaction
		return storage.Transient(op, fmt.Errorf("%w: %w", storage.ErrReadOnly, err))
	case "40001", "40P01", "53300", "55P03", "57P01", "57P02", "57P03":
		return storage.Transient(op, err)
	case "23505": // гонка при вставке, следующая попытка увидит дубликат
		return storage.Transient(op, err)
	}
	if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
		return storage.Transient(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
