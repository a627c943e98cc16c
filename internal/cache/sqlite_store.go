package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// MemoryDSN 打开一个进程内共享的内存数据库，仅适合单实例调试。
const MemoryDSN = "file::memory:?cache=shared"

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "ledger.db"

// sqliteStore 将分区与条目保存在两张表中，写操作通过 writeMutex 串行化。
type sqliteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

// NewSQLiteStore 以 dsn 打开数据库并建表；dsn 为空时使用内存库。
func NewSQLiteStore(dsn string) (Store, error) {
	if dsn == "" {
		dsn = MemoryDSN
	} else if dsn != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_name TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT NOT NULL,
			body BLOB,
			mod_time INTEGER NOT NULL,
			PRIMARY KEY (cache_name, path)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &sqliteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        time.Now,
	}, nil
}

func (s *sqliteStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	var (
		status  int
		header  string
		body    []byte
		modTime int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, header, body, mod_time FROM entries WHERE cache_name = ? AND path = ?",
		locator.CacheName, locator.Path,
	).Scan(&status, &header, &body, &modTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	decoded, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Locator:    locator,
			StatusCode: normalizeStatus(status),
			Header:     decoded,
			SizeBytes:  int64(len(body)),
			ModTime:    time.Unix(0, modTime).UTC(),
		},
		Reader: nopSeekCloser{bytes.NewReader(body)},
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if locator.CacheName == "" {
		return nil, ErrInvalidName
	}

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, body); err != nil {
		return nil, err
	}
	header, err := json.Marshal(cloneHeader(opts.Header))
	if err != nil {
		return nil, err
	}
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = s.now().UTC()
	}
	status := normalizeStatus(opts.StatusCode)

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		locator.CacheName, s.now().UnixNano(),
	); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries
		(cache_name, path, status, header, body, mod_time) VALUES (?, ?, ?, ?, ?, ?)`,
		locator.CacheName, locator.Path, status, string(header), buf.Bytes(), modTime.UnixNano(),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:    locator,
		StatusCode: status,
		Header:     cloneHeader(opts.Header),
		SizeBytes:  int64(buf.Len()),
		ModTime:    modTime,
	}, nil
}

func (s *sqliteStore) Remove(ctx context.Context, locator Locator) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE cache_name = ? AND path = ?",
		locator.CacheName, locator.Path,
	)
	return err
}

func (s *sqliteStore) Create(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, s.now().UnixNano(),
	)
	return err
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Drop(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrInvalidName
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache_name = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context, name string) ([]Locator, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT path FROM entries WHERE cache_name = ? ORDER BY rowid ASC", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locators []Locator
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		locators = append(locators, Locator{CacheName: name, Path: p})
	}
	return locators, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func decodeHeader(raw string) (http.Header, error) {
	if raw == "" {
		return http.Header{}, nil
	}
	var header http.Header
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return nil, fmt.Errorf("decode stored header: %w", err)
	}
	if header == nil {
		header = http.Header{}
	}
	return header, nil
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
