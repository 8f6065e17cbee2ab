package relaysync

import (
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// A single connection serializes writers; sqlite locks the whole file anyway.
var sqliteDialect = sqlDialect{driver: "sqlite3", maxOpenConns: 1}

// NewSQLiteBackend opens (or creates) a database file at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return newSQLBackend(sqliteDialect, sqliteDSN(path))
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + params.Encode()
}
