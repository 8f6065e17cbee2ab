package relaysync

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{driver: "postgres", dollarParams: true}

// NewPostgresBackend returns a Backend over lib/pq. Tables are created on first use.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	return newSQLBackend(postgresDialect, dsn)
}
