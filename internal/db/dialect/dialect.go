// Package dialect provides SQL portability helpers for SQLite/PostgreSQL.
//
// Schemas stay in the portable subset (TEXT, INTEGER, BIGINT; times as
// epoch milliseconds; booleans as integers) and queries are written with ?
// placeholders rebound through sqlx, so the only divergence left to handle
// is the driver name itself and boolean encoding.
package dialect

const (
	// SQLite3 is the driver name for the embedded store.
	SQLite3 = "sqlite3"
	// PGX is the driver name for PostgreSQL via the pgx stdlib adapter.
	PGX = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// IntToBool converts a stored integer back to a boolean.
func IntToBool(value int) bool {
	return value != 0
}
