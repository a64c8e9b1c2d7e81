package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config describes the PostgreSQL pool backing the user store.
type Config struct {
	DSN      string
	MaxConns int
	// Timeout bounds the initial ping.
	Timeout  time.Duration
	TimeZone string
}

// ConnectSQLX opens the pool, checks it answers, applies pending migrations
// and returns it ready for the repos.
func ConnectSQLX(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	dsn := cfg.DSN
	if cfg.TimeZone != "" {
		dsn = withTimeZone(dsn, cfg.TimeZone)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := Migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// withTimeZone sets the session time zone as a connection parameter so every
// pooled connection gets it, not only the one a SET statement would reach.
func withTimeZone(dsn, tz string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "timezone=" + url.QueryEscape(tz)
	}
	return dsn + " timezone=" + quoteLiteral(tz)
}

// quoteLiteral quotes a value for a key=value connection string.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}
