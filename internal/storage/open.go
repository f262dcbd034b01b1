package storage

import "strings"

// IsPostgresURL reports whether a configured database URL selects the
// PostgreSQL backend rather than SQLite.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}
