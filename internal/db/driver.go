package db

import "github.com/taskforge/taskforge/internal/db/dialect"

// Driver names re-exported for callers that configure the pool.
const (
	DriverSQLite   = dialect.SQLite3
	DriverPostgres = dialect.PGX
)
