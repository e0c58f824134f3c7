package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// ErrDSNRequired is returned when no database location is configured.
var ErrDSNRequired = errors.New("mirror database must be configured")

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve mirror path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// ResolveDSN passes Postgres URLs and explicit SQLite DSNs through untouched
// and turns a bare path into a FileDSN.
func ResolveDSN(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	if IsPostgresDSN(trimmed) || strings.HasPrefix(trimmed, "file:") {
		return trimmed, nil
	}
	return FileDSN(trimmed)
}

// IsPostgresDSN reports whether dsn addresses a Postgres server rather than a
// SQLite file.
func IsPostgresDSN(dsn string) bool {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=")
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
