package vfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps the whole namespace in one database file. Directories
// are explicit rows so that List and Exists behave like the local backend.
type SQLiteBackend struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS entries (
			path TEXT PRIMARY KEY,
			parent TEXT NOT NULL,
			kind TEXT NOT NULL,
			data BLOB,
			created INTEGER NOT NULL,
			modified INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("init vfs schema: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) Read(ctx context.Context, p Path) ([]byte, error) {
	var kind string
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT kind, data FROM entries WHERE path = ?`, p.String()).Scan(&kind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	if Kind(kind) == KindDirectory {
		return nil, fmt.Errorf("vfs: %s is a directory", p)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, p Path, data []byte) error {
	return b.put(ctx, p, data, false)
}

func (b *SQLiteBackend) Append(ctx context.Context, p Path, data []byte) error {
	return b.put(ctx, p, data, true)
}

func (b *SQLiteBackend) put(ctx context.Context, p Path, data []byte, appendMode bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if err := ensureDirs(ctx, tx, p.Parent(), now); err != nil {
		return err
	}
	if appendMode {
		var existing []byte
		err := tx.QueryRowContext(ctx, `SELECT data FROM entries WHERE path = ? AND kind = ?`, p.String(), string(KindFile)).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		data = append(existing, data...)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entries(path, parent, kind, data, created, modified)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, kind = excluded.kind, modified = excluded.modified`,
		p.String(), p.Parent().String(), string(KindFile), data, now, now)
	if err != nil {
		return fmt.Errorf("vfs write %s: %w", p, err)
	}
	return tx.Commit()
}

func ensureDirs(ctx context.Context, tx *sql.Tx, dir Path, now int64) error {
	for d := dir; !d.IsRoot(); d = d.Parent() {
		_, err := tx.ExecContext(ctx, `INSERT INTO entries(path, parent, kind, data, created, modified)
			VALUES(?, ?, ?, NULL, ?, ?) ON CONFLICT(path) DO NOTHING`,
			d.String(), d.Parent().String(), string(KindDirectory), now, now)
		if err != nil {
			return fmt.Errorf("vfs mkdir %s: %w", d, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, p Path) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo, hi := subtreeRange(p)
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE path = ? OR (path >= ? AND path < ?)`,
		p.String(), lo, hi)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return nil
}

// subtreeRange bounds every path strictly beneath p under binary collation;
// '0' is the byte after '/'.
func subtreeRange(p Path) (string, string) {
	s := p.String()
	if s == "/" {
		return "/", "0"
	}
	return s + "/", s + "0"
}

func (b *SQLiteBackend) List(ctx context.Context, p Path) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT path, kind FROM entries WHERE parent = ? AND path != '/' ORDER BY path`, p.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var path, kind string
		if err := rows.Scan(&path, &kind); err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: path[strings.LastIndexByte(path, '/')+1:], Kind: Kind(kind)})
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Exists(ctx context.Context, p Path) (bool, error) {
	if p.IsRoot() {
		return true, nil
	}
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries WHERE path = ?`, p.String()).Scan(&n)
	return n > 0, err
}

func (b *SQLiteBackend) Mkdir(ctx context.Context, p Path) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureDirs(ctx, tx, p, time.Now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Copy(ctx context.Context, src, dst Path) error {
	data, err := b.Read(ctx, src)
	if err != nil {
		return err
	}
	return b.Write(ctx, dst, data)
}

func (b *SQLiteBackend) Rename(ctx context.Context, src, dst Path) error {
	data, err := b.Read(ctx, src)
	if err != nil {
		return err
	}
	if err := b.Write(ctx, dst, data); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

func (b *SQLiteBackend) Metadata(ctx context.Context, p Path) (Metadata, error) {
	if p.IsRoot() {
		return Metadata{Kind: KindDirectory}, nil
	}
	var kind string
	var size, created, modified int64
	err := b.db.QueryRowContext(ctx, `SELECT kind, COALESCE(length(data), 0), created, modified FROM entries WHERE path = ?`,
		p.String()).Scan(&kind, &size, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Size:     size,
		Created:  time.Unix(0, created),
		Modified: time.Unix(0, modified),
		Kind:     Kind(kind),
	}, nil
}
