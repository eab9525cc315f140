package main

import (
	"errors"
	"net/url"

	"github.com/chime-io/chime/internal/config"
)

// ErrDatabaseURLEmpty is returned when no DATABASE_URL is configured.
var ErrDatabaseURLEmpty = errors.New("DATABASE_URL cannot be empty")

// Config holds the migrator settings, read from the environment.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate tracks applied versions in.
	MigrationTable string
}

// LoadConfig reads the migrator configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskedURL returns the database URL with any password replaced, safe for logs.
func (c *Config) MaskedURL() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil || u.User == nil {
		return c.DatabaseURL
	}

	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}

	return u.String()
}
