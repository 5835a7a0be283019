package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const kvTable = "kv"

// SQLiteKV stores records in a two-column table. Keys use the default
// BINARY collation so scans order the same way as bbolt.
type SQLiteKV struct {
	db     *sql.DB
	sq     sq.StatementBuilderType
	closed atomic.Bool
}

var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// OpenSQLite opens or creates a SQLite database at path.
func OpenSQLite(path string) (*SQLiteKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, persistErr("open", path, fmt.Errorf("make data dir: %w", err))
	}

	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, persistErr("open", path, err)
	}

	schema := `CREATE TABLE IF NOT EXISTS ` + kvTable + ` (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, persistErr("open", path, fmt.Errorf("create table: %w", err))
	}
	return &SQLiteKV{db: db, sq: sq.StatementBuilder}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, persistErr("get", key, ErrClosed)
	}
	query, args, err := s.sq.Select("value").From(kvTable).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return nil, persistErr("get", key, err)
	}
	var v []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get", key, err)
	}
	return v, nil
}

func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte) error {
	return s.Batch(ctx, []Op{{Key: key, Value: value}})
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	return s.Batch(ctx, []Op{{Key: key, Delete: true}})
}

func (s *SQLiteKV) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	if s.closed.Load() {
		return nil, persistErr("scan", prefix, ErrClosed)
	}
	b := s.sq.Select("key", "value").From(kvTable).OrderBy("key")
	if prefix != "" {
		cond := sq.And{sq.GtOrEq{"key": prefix}}
		if end := prefixEnd(prefix); end != "" {
			cond = append(cond, sq.Lt{"key": end})
		}
		b = b.Where(cond)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, persistErr("scan", prefix, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("scan", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, persistErr("scan", prefix, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("scan", prefix, err)
	}
	return out, nil
}

func (s *SQLiteKV) Batch(ctx context.Context, ops []Op) error {
	if s.closed.Load() {
		return persistErr("batch", "", ErrClosed)
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, op := range ops {
			var (
				query string
				args  []any
				err   error
			)
			if op.Delete {
				query, args, err = s.sq.Delete(kvTable).Where(sq.Eq{"key": op.Key}).ToSql()
			} else {
				query, args, err = s.sq.Insert(kvTable).
					Columns("key", "value").
					Values(op.Key, op.Value).
					Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value").
					ToSql()
			}
			if err != nil {
				return fmt.Errorf("%s: %w", op.Key, err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("%s: %w", op.Key, err)
			}
		}
		return nil
	})
	if len(ops) == 1 {
		return persistErr("write", ops[0].Key, err)
	}
	return persistErr("batch", "", err)
}

// Close releases the database. Later calls return ErrClosed; Close itself is idempotent.
func (s *SQLiteKV) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn within a transaction.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
