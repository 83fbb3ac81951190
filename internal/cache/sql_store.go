package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Dialect selects placeholder style and size functions.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	entriesTable = "boundary_cache"
	statsTable   = "cache_stats"
	topAccessed  = 5
)

const schema = `
CREATE TABLE IF NOT EXISTS boundary_cache (
	query_key TEXT PRIMARY KEY,
	result TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	access_count BIGINT NOT NULL DEFAULT 0,
	last_accessed_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_boundary_cache_expires_at ON boundary_cache(expires_at);
CREATE TABLE IF NOT EXISTS cache_stats (
	stat_key TEXT PRIMARY KEY,
	stat_value BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
);
`

// SQLStore is a Backend on SQLite or Postgres. Timestamps are stored as
// unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	qb      sq.StatementBuilderType
}

// OpenSQLite opens (creating if needed) a cache database file at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite cache: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLStore(db, DialectSQLite)
}

// OpenPostgres connects to a Postgres cache database.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres cache: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return NewSQLStore(db, DialectPostgres)
}

// NewSQLStore wraps an open database and ensures the schema exists.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	qb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if dialect == DialectPostgres {
		qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	s := &SQLStore{db: db, dialect: dialect, qb: qb}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}
	return s, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func (s *SQLStore) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *SQLStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	query, args, err := s.qb.
		Select("query_key", "result", "created_at", "expires_at", "access_count").
		From(entriesTable).
		Where(sq.Eq{"query_key": key}).
		ToSql()
	if err != nil {
		return Entry{}, false, fmt.Errorf("build query: %w", err)
	}

	var (
		e                  Entry
		value              string
		created, expiresAt int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&e.Key, &value, &created, &expiresAt, &e.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load %q: %w", key, err)
	}
	e.Value = []byte(value)
	e.CreatedAt = fromMillis(created)
	e.ExpiresAt = fromMillis(expiresAt)
	return e, true, nil
}

func (s *SQLStore) Store(ctx context.Context, e Entry) error {
	_, err := s.exec(ctx, s.qb.
		Insert(entriesTable).
		Columns("query_key", "result", "created_at", "expires_at", "access_count", "last_accessed_at").
		Values(e.Key, string(e.Value), millis(e.CreatedAt), millis(e.ExpiresAt), 0, millis(e.CreatedAt)).
		Suffix(`ON CONFLICT (query_key) DO UPDATE SET
			result = excluded.result,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			access_count = 0,
			last_accessed_at = excluded.last_accessed_at`))
	if err != nil {
		return fmt.Errorf("store %q: %w", e.Key, err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, key string, now time.Time) error {
	_, err := s.exec(ctx, s.qb.
		Update(entriesTable).
		Set("access_count", sq.Expr("access_count + 1")).
		Set("last_accessed_at", millis(now)).
		Where(sq.Eq{"query_key": key}))
	if err != nil {
		return fmt.Errorf("touch %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.exec(ctx, s.qb.Delete(entriesTable).Where(sq.Eq{"query_key": key}))
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, s.qb.Delete(entriesTable).Where(sq.And{
		sq.Eq{"query_key": key},
		sq.LtOrEq{"expires_at": millis(now)},
	}))
	if err != nil {
		return false, fmt.Errorf("purge %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("purge %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, s.qb.Delete(entriesTable).Where(sq.LtOrEq{"expires_at": millis(now)}))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Truncate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin truncate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{entriesTable, statsTable} {
		query, args, err := s.qb.Delete(table).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit truncate: %w", err)
	}
	return nil
}

// Incr bumps a counter in a single upsert so concurrent workers never lose
// increments.
func (s *SQLStore) Incr(ctx context.Context, counter string, now time.Time) error {
	_, err := s.exec(ctx, s.qb.
		Insert(statsTable).
		Columns("stat_key", "stat_value", "updated_at").
		Values(counter, 1, millis(now)).
		Suffix(`ON CONFLICT (stat_key) DO UPDATE SET
			stat_value = cache_stats.stat_value + 1,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	return nil
}

func (s *SQLStore) sizeExpr() string {
	if s.dialect == DialectPostgres {
		return "octet_length(result)"
	}
	return "length(CAST(result AS BLOB))"
}

func (s *SQLStore) Stats(ctx context.Context, now time.Time) (BackendStats, error) {
	out := BackendStats{Counters: map[string]int64{}}

	query, args, err := s.qb.
		Select(
			"COUNT(*)",
			"COALESCE(SUM("+s.sizeExpr()+"), 0)",
		).
		Column(sq.Expr("COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)", millis(now))).
		From(entriesTable).
		ToSql()
	if err != nil {
		return out, fmt.Errorf("build query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&out.TotalEntries, &out.TotalSizeBytes, &out.ExpiredEntries); err != nil {
		return out, fmt.Errorf("entry stats: %w", err)
	}

	if err := s.scanRows(ctx, s.qb.Select("stat_key", "stat_value").From(statsTable), func(rows *sql.Rows) error {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		out.Counters[k] = v
		return nil
	}); err != nil {
		return out, fmt.Errorf("counter stats: %w", err)
	}

	top := s.qb.Select("query_key", "access_count").
		From(entriesTable).
		Where(sq.Gt{"access_count": 0}).
		OrderBy("access_count DESC", "query_key").
		Limit(topAccessed)
	if err := s.scanRows(ctx, top, func(rows *sql.Rows) error {
		var kc KeyCount
		if err := rows.Scan(&kc.Key, &kc.AccessCount); err != nil {
			return err
		}
		out.MostAccessed = append(out.MostAccessed, kc)
		return nil
	}); err != nil {
		return out, fmt.Errorf("most accessed: %w", err)
	}
	return out, nil
}

func (s *SQLStore) scanRows(ctx context.Context, b sq.Sqlizer, fn func(*sql.Rows) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
