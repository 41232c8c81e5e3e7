// Package pgstore is the PostgreSQL backend: sources, the job queue and
// pgvector chunks with a native similarity operator.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/kalambet/groundwork/internal/retrieval"
)

// Store is a PostgreSQL-backed chunk, source and job store.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ retrieval.Backend        = (*Store)(nil)
	_ retrieval.NativeSearcher = (*Store)(nil)
)

// New connects to PostgreSQL. Migrations run on a dedicated connection
// before the pool opens because pool connections register the vector type,
// which must already exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	if cfg.MigrateOnStart {
		conn, err := pgx.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		err = migrate(ctx, conn)
		conn.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// classifyNative maps errors from match_chunks onto the retrieval tiers'
// contract using SQLSTATE codes.
func classifyNative(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "42883", // undefined_function
		pgErr.Code == "42P01", // undefined_table
		pgErr.Code == "42704": // undefined_object, e.g. the vector type
		return fmt.Errorf("%w: %s (%s)", retrieval.ErrNativeUnsupported, pgErr.Message, pgErr.Code)
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == "22": // data_exception
		return fmt.Errorf("%w: %s (%s)", retrieval.ErrNativeBadInput, pgErr.Message, pgErr.Code)
	}
	return err
}

func encodeMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		md = map[string]string{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	md := map[string]string{}
	if len(b) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}
