// Package sqlcache stores preflight entries in a SQL database through
// database/sql. PostgreSQL (lib/pq or pgx) and SQLite (modernc.org/sqlite)
// are supported; the caller opens the *sql.DB with the driver of its choice.
package sqlcache

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
	"github.com/dgduncan/go-preflight-cache/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

//go:embed sql/*.sql
var queries embed.FS

// Dialect selects the SQL flavour of the schema and the placeholder style.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Config defines the configuration options for the SQL cache implementation.
type Config struct {
	// Dialect defaults to Postgres.
	Dialect Dialect

	// DeleteExpiredItems enables automatic cleanup of expired rows
	// through a background task bound to the context passed to New.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Defaults to caches.DefaultExpiredTaskTimer.
	ExpiredTaskTimer time.Duration

	// ItemExpiration is how long a row outlives its max-age before the
	// cleanup task may delete it. Defaults to caches.DefaultExpiredDuration.
	ItemExpiration time.Duration

	// Now is the time source for expiry checks. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

type statements struct {
	fetchEntry         string
	upsertEntry        string
	upsertWriter       string
	fetchWriter        string
	deleteEntry        string
	deleteExpiredEntry string
	deleteWriter       string
	deleteExpired      string
	deleteOrphans      string
	countEntries       string
}

// Cache implements the gopreflightcache.Cache interface on top of two
// tables: preflight_entries keyed by (origin, resource) and
// preflight_writers mapping a resource to the origin that stored it last.
// Both are written in one transaction.
type Cache struct {
	db     *sql.DB
	q      statements
	now    func() time.Time
	retain time.Duration
	logger *slog.Logger

	stop     context.CancelFunc
	taskDone chan struct{}
}

// allowList is the gob payload of the allowed column.
type allowList struct {
	Methods []string
}

// Lookup returns the entry for (origin, resource). An entry whose max-age has
// elapsed is deleted and caches.ErrCacheItemExpired is returned.
// Returns caches.ErrNoCacheItem if the entry doesn't exist.
func (c *Cache) Lookup(ctx context.Context, origin, resource string) (*gopreflightcache.CacheEntry, error) {
	var (
		payload   []byte
		ttl       int
		createdAt int64
	)
	err := c.db.QueryRowContext(ctx, c.q.fetchEntry, origin, resource).Scan(&payload, &ttl, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	var list allowList
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode allowed methods: %w", err)
	}

	entry := &gopreflightcache.CacheEntry{
		AllowedMethods: list.Methods,
		TTL:            ttl,
		CreatedAt:      time.UnixMilli(createdAt).UTC(),
		Origin:         origin,
	}
	if entry.Valid(c.now()) {
		return entry, nil
	}

	c.logger.DebugContext(ctx, "removing expired entry", "origin", origin, "resource", resource)
	if err := c.expire(ctx, origin, resource, createdAt); err != nil {
		return nil, errors.Join(caches.ErrCacheItemExpired, err)
	}
	return nil, caches.ErrCacheItemExpired
}

// Store upserts the entry and records origin as the resource's last writer.
func (c *Cache) Store(ctx context.Context, origin, resource string, entry *gopreflightcache.CacheEntry) error {
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(allowList{Methods: entry.AllowedMethods}); err != nil {
		return err
	}

	expiredAt := entry.ExpiresAt().Add(c.retain).UnixMilli()

	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, c.q.upsertEntry,
			origin, resource, buff.Bytes(), entry.TTL, entry.CreatedAt.UnixMilli(), expiredAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, c.q.upsertWriter, resource, origin)
		return err
	})
}

// Invalidate deletes the entry stored by the resource's last writer together
// with the writer row. Entries of other origins are left alone.
func (c *Cache) Invalidate(ctx context.Context, resource string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var origin string
		err := tx.QueryRowContext(ctx, c.q.fetchWriter, resource).Scan(&origin)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, c.q.deleteEntry, origin, resource); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, c.q.deleteWriter, resource, origin)
		return err
	})
}

// Size counts stored entries, expired rows not yet removed included.
func (c *Cache) Size(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, c.q.countEntries).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteExpired removes rows past their retention and writer rows that no
// longer point at an entry. It returns the number of entries removed.
func (c *Cache) DeleteExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, c.q.deleteExpired, c.now().UnixMilli())
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, c.q.deleteOrphans)
		return err
	})
	return removed, err
}

// expire deletes the entry only if it is still the one that was read, so a
// concurrent Store is not lost. The writer row goes with it when it names
// origin.
func (c *Cache) expire(ctx context.Context, origin, resource string, createdAt int64) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, c.q.deleteExpiredEntry, origin, resource, createdAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, c.q.deleteWriter, resource, origin)
		return err
	})
}

func (c *Cache) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, ignoreDone(tx.Rollback()))
	}
	return tx.Commit()
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (c *Cache) expiredTask(ctx context.Context, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("expired task stopped", "reason", ctx.Err())
			return
		case <-t.C:
			n, err := c.DeleteExpired(ctx)
			if err != nil && ctx.Err() != nil {
				c.logger.Debug("expired task stopped", "reason", ctx.Err())
				return
			}
			if err != nil {
				c.logger.WarnContext(ctx, "deleting expired entries failed", "error", err)
			} else if n > 0 {
				c.logger.DebugContext(ctx, "deleted expired entries", "count", n)
			}
			t.Reset(interval)
		}
	}
}

func createTables(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, name := range []string{"create_entries_" + string(d), "create_writers", "create_expired_index"} {
		q, err := readQuery(name, d)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func loadStatements(d Dialect) (statements, error) {
	var s statements
	for name, dst := range map[string]*string{
		"fetch_entry":           &s.fetchEntry,
		"upsert_entry":          &s.upsertEntry,
		"upsert_writer":         &s.upsertWriter,
		"fetch_writer":          &s.fetchWriter,
		"delete_entry":          &s.deleteEntry,
		"delete_expired_entry":  &s.deleteExpiredEntry,
		"delete_writer":         &s.deleteWriter,
		"delete_expired":        &s.deleteExpired,
		"delete_orphan_writers": &s.deleteOrphans,
		"count_entries":         &s.countEntries,
	} {
		q, err := readQuery(name, d)
		if err != nil {
			return statements{}, err
		}
		*dst = q
	}
	return s, nil
}

func readQuery(name string, d Dialect) (string, error) {
	b, err := queries.ReadFile("sql/" + name + ".sql")
	if err != nil {
		return "", err
	}
	return rebind(d, strings.TrimSpace(string(b))), nil
}

// rebind rewrites $N placeholders to ? for SQLite. Queries use each
// placeholder once and in order.
func rebind(d Dialect, q string) string {
	if d != SQLite {
		return q
	}

	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] != '$' {
			b.WriteByte(q[i])
			continue
		}
		b.WriteByte('?')
		for i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			i++
		}
	}
	return b.String()
}

// New creates a new SQL cache instance with the provided configuration.
// It verifies the database connection, creates the necessary tables, and
// optionally starts the cleanup task for expired rows, which runs until ctx
// is done or Close is called.
//
// Returns an error if:
// - db is nil or the dialect is unknown
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "db cannot be nil"}
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.Dialect == "" {
		cfg.Dialect = Postgres
	}
	if cfg.Dialect != Postgres && cfg.Dialect != SQLite {
		return nil, caches.ValidationError{Reason: fmt.Sprintf("unknown dialect %q", cfg.Dialect)}
	}
	if cfg.ExpiredTaskTimer <= 0 {
		cfg.ExpiredTaskTimer = caches.DefaultExpiredTaskTimer
	}
	if cfg.ItemExpiration <= 0 {
		cfg.ItemExpiration = caches.DefaultExpiredDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTables(ctx, db, cfg.Dialect); err != nil {
		return nil, err
	}

	q, err := loadStatements(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		db:     db,
		q:      q,
		now:    cfg.Now,
		retain: cfg.ItemExpiration,
		logger: cfg.Logger,
	}

	if cfg.DeleteExpiredItems {
		taskCtx, cancel := context.WithCancel(ctx)
		c.stop = cancel
		c.taskDone = make(chan struct{})
		go func() {
			defer close(c.taskDone)
			c.expiredTask(taskCtx, cfg.ExpiredTaskTimer)
		}()
	}

	return c, nil
}

// Close stops the expired entry task, if any, and waits for it to return.
// It does not close the database, which belongs to the caller; call Close
// before closing it.
func (c *Cache) Close() error {
	if c.stop == nil {
		return nil
	}
	c.stop()
	<-c.taskDone
	return nil
}

var _ gopreflightcache.Cache = (*Cache)(nil)
