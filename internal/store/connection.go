// Package store is the Postgres-backed persistence layer satisfying
// the Repository ports of internal/evaluator, internal/scheduler/*
// and internal/cachepacker. It is grounded on the teacher's
// common/mpostgres connection wrapper
// (components/ledger/internal/adapters/postgres/ledger/ledger.postgresql.go
// for the per-entity query style, common/mpostgres/postgres.go for
// connect/migrate).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connection is a thin wrapper around a dbresolver handle. The
// source's PostgresConnection dials a separate read replica; the
// spec's Config carries a single DATABASE_URL, so this wrapper
// resolves both the primary and replica pool to the same DSN unless a
// caller supplies a distinct one.
type Connection struct {
	PrimaryDSN string
	ReplicaDSN string

	db dbresolver.DB
}

// Connect opens the primary and replica pools (the replica pool uses
// the primary DSN when ReplicaDSN is empty), runs pending migrations
// against the primary, and leaves the resolver ready for use.
func (c *Connection) Connect(ctx context.Context) error {
	primary, err := sql.Open("pgx", c.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("open primary database: %w", err)
	}

	replicaDSN := c.ReplicaDSN
	if replicaDSN == "" {
		replicaDSN = c.PrimaryDSN
	}

	replica, err := sql.Open("pgx", replicaDSN)
	if err != nil {
		return fmt.Errorf("open replica database: %w", err)
	}

	c.db = dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := c.migrate(primary); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return c.db.PingContext(ctx)
}

func (c *Connection) migrate(primary *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	dbDriver, err := postgres.WithInstance(primary, &postgres.Config{
		MultiStatementEnabled: true,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("build migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// DB returns the resolved connection, dialing lazily if Connect
// hasn't been called yet.
func (c *Connection) DB(ctx context.Context) (dbresolver.DB, error) {
	if c.db == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.db, nil
}

// Store bundles a Connection with the per-entity repository methods
// implemented across this package's other files. A single type backs
// every Repository interface the scheduler/evaluator/cache packages
// define, the same way the source threads one ServerState.db through
// every handler.
type Store struct {
	Conn *Connection
}

func New(conn *Connection) *Store {
	return &Store{Conn: conn}
}
