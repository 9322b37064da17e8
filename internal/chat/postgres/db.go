package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/sqlchat/internal/config"
)

// ErrSchemaMissing means the store is reachable but sqlchat-migrate has not
// been run against it.
var ErrSchemaMissing = errors.New("conversation schema is missing; run sqlchat-migrate -direction up")

const pingTimeout = 5 * time.Second

// Open connects to the conversation store and checks that the conversation
// and message tables exist.
func Open(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens and pings the store without looking at the schema. The
// migrator uses it on empty databases.
func Connect(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	configurePool(db, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg config.StoreConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	var ready bool
	err := db.QueryRowContext(ctx,
		`SELECT to_regclass('conversation') IS NOT NULL AND to_regclass('message') IS NOT NULL`,
	).Scan(&ready)
	if err != nil {
		return fmt.Errorf("inspect store schema: %w", err)
	}
	if !ready {
		return ErrSchemaMissing
	}
	return nil
}
