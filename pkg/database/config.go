package database

import (
	"errors"
	"time"
)

// Config tunes the SQLite pool behind the broadcast archive and follower directory.
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	WriteTimeout    time.Duration `json:"write_timeout"`
}

// DefaultConfig returns the settings used when nothing overrides them.
// FUNCTIONAL DISCOVERY: The archive is written once per ended broadcast and the
// follower directory is read once per started broadcast, so a small pool suffices
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/minbar.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteTimeout:    30 * time.Second,
	}
}

// Validate rejects an empty path and any non-positive limit.
func (c *Config) Validate() error {
	switch {
	case c.DatabasePath == "":
		return errors.New("database: path is required")
	case c.MaxConnections <= 0:
		return errors.New("database: max_connections must be positive")
	case c.ConnMaxLifetime <= 0:
		return errors.New("database: conn_max_lifetime must be positive")
	case c.ConnMaxIdleTime <= 0:
		return errors.New("database: conn_max_idle_time must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("database: write_timeout must be positive")
	}
	return nil
}

// connPragmas are applied by go-sqlite3 to every pooled connection it opens.
// The page cache is 16MB; the archive is small.
const connPragmas = "_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL&_cache_size=-16000"

// DSN returns the go-sqlite3 connection string with the pragmas the manager relies on.
// In-memory databases use a shared cache so every pooled connection sees one schema.
func (c *Config) DSN() string {
	if c.DatabasePath == ":memory:" {
		return "file::memory:?cache=shared&" + connPragmas
	}
	return c.DatabasePath + "?_journal_mode=WAL&" + connPragmas
}
