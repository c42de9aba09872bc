// Package db opens and pools the backing database. SQLite (the default,
// embedded) runs in WAL mode with a single writer connection and a small
// read-only pool; PostgreSQL is available through the pgx stdlib driver for
// deployments that need it.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskforge/taskforge/internal/common/config"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection, avoiding SQLITE_BUSY under write
// contention. For PostgreSQL both sides are the same *sqlx.DB, since pgx
// pools internally.
type Pool struct {
	driver string
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open builds a Pool from the database configuration.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case DriverSQLite:
		writer, err := OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.SQLitePath())
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			driver: DriverSQLite,
			writer: sqlx.NewDb(writer, DriverSQLite),
			reader: sqlx.NewDb(reader, DriverSQLite),
		}, nil

	case DriverPostgres:
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, DriverPostgres)
		return &Pool{driver: DriverPostgres, writer: shared, reader: shared}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Driver returns the sql driver name backing this pool.
func (p *Pool) Driver() string { return p.driver }

// Writer returns the connection used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT queries. For SQLite this is
// a read-only pool that proceeds concurrently with the writer via WAL
// snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both sides share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
