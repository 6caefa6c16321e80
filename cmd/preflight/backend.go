package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
	ddbcache "github.com/dgduncan/go-preflight-cache/caches/dynamodb"
	"github.com/dgduncan/go-preflight-cache/caches/local"
	"github.com/dgduncan/go-preflight-cache/caches/sqlcache"
	"github.com/dgduncan/go-preflight-cache/internal/config"
)

// openCache builds the configured backend. The returned func releases it.
func openCache(ctx context.Context, cfg config.Cache, logger *slog.Logger) (gopreflightcache.Cache, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return local.NewBasicCache(), noop, nil

	case config.BackendSQLite, config.BackendPostgres, config.BackendPgx:
		driver, dialect := string(cfg.Backend), sqlcache.Postgres
		if cfg.Backend == config.BackendSQLite {
			dialect = sqlcache.SQLite
		}

		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if dialect == sqlcache.SQLite {
			// one writer, and one database for :memory: DSNs
			db.SetMaxOpenConns(1)
		}

		c, err := sqlcache.New(ctx, db, &sqlcache.Config{
			Dialect:            dialect,
			DeleteExpiredItems: cfg.DeleteExpired,
			ExpiredTaskTimer:   cfg.ExpiredTimer.Duration,
			ItemExpiration:     cfg.ItemExpiration.Duration,
			Logger:             logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return c, func() error {
			return errors.Join(c.Close(), db.Close())
		}, nil

	case config.BackendDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awscfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, err
		}
		client := dynamodb.NewFromConfig(awscfg)

		if cfg.CreateTable {
			if err := ddbcache.CreateTable(ctx, client, cfg.Table, cfg.DeleteExpired); err != nil {
				return nil, nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
			}
		}

		c, err := ddbcache.New(ctx, client, &ddbcache.Config{
			DeleteExpiredItems: cfg.DeleteExpired,
			ItemExpiration:     cfg.ItemExpiration.Duration,
			Table:              cfg.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, noop, nil
	}

	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}
