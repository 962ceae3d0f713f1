// Package sqlitestore is a local/durable implementation of the
// store.ObjectStore contract, backed by database/sql and
// github.com/mattn/go-sqlite3. It is the point-at-a-file-and-go backend
// for local development and integration tests that want real persistence
// without a cloud account.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/goshops-com/stormidb/store"
)

// Store is a SQLite-backed ObjectStore. Containers are a column, not
// separate files or schemas — Open creates the shared schema, so
// EnsureContainer has nothing to do.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// prepares its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			container TEXT NOT NULL,
			name      TEXT NOT NULL,
			bytes     BLOB NOT NULL,
			etag      TEXT NOT NULL,
			PRIMARY KEY (container, name)
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			container TEXT NOT NULL,
			name      TEXT NOT NULL,
			field     TEXT NOT NULL,
			value     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_lookup ON tags(container, field, value)`,
		`CREATE TABLE IF NOT EXISTS etag_seq (n INTEGER PRIMARY KEY AUTOINCREMENT)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlitestore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) nextETag(tx *sql.Tx) (string, error) {
	res, err := tx.Exec(`INSERT INTO etag_seq DEFAULT VALUES`)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", id), nil
}

// EnsureContainer is idempotent by construction: the shared schema
// already covers every container value.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	return nil
}

func (s *Store) Put(ctx context.Context, container, name string, bytes []byte, tags store.Tags, opts store.PutOptions) (store.PutResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
	}
	defer tx.Rollback()

	var currentETag string
	err = tx.QueryRowContext(ctx, `SELECT etag FROM objects WHERE container=? AND name=?`, container, name).Scan(&currentETag)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
	}

	if opts.IfNoneMatch == "*" && exists {
		return store.PutResult{}, store.ErrPreconditionFailed
	}
	if opts.IfMatch != "" {
		if !exists || currentETag != opts.IfMatch {
			return store.PutResult{}, store.ErrPreconditionFailed
		}
	}

	etag, err := s.nextETag(tx)
	if err != nil {
		return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO objects (container, name, bytes, etag) VALUES (?, ?, ?, ?)
		 ON CONFLICT(container, name) DO UPDATE SET bytes=excluded.bytes, etag=excluded.etag`,
		container, name, bytes, etag); err != nil {
		return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE container=? AND name=?`, container, name); err != nil {
		return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
	}
	for field, value := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (container, name, field, value) VALUES (?, ?, ?, ?)`,
			container, name, field, value); err != nil {
			return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.PutResult{}, fmt.Errorf("sqlitestore: put: %w", err)
	}
	return store.PutResult{ETag: etag}, nil
}

func (s *Store) Get(ctx context.Context, container, name string) (store.GetResult, error) {
	var bytes []byte
	var etag string
	err := s.db.QueryRowContext(ctx, `SELECT bytes, etag FROM objects WHERE container=? AND name=?`, container, name).Scan(&bytes, &etag)
	if err == sql.ErrNoRows {
		return store.GetResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.GetResult{}, fmt.Errorf("sqlitestore: get: %w", err)
	}
	return store.GetResult{Bytes: bytes, ETag: etag}, nil
}

func (s *Store) Exists(ctx context.Context, container, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE container=? AND name=?`, container, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: exists: %w", err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, container, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE container=? AND name=?`, container, name); err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE container=? AND name=?`, container, name); err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context, container string, opts store.ListOptions) ([]store.Item, error) {
	query := `SELECT name FROM objects WHERE container=?`
	args := []interface{}{container}
	if opts.Prefix != "" {
		query += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(opts.Prefix)+"%")
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	var items []store.Item
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlitestore: list: %w", err)
		}
		items = append(items, store.Item{Name: name})
	}
	return items, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FindByTags implements the tag-filter mode in SQL: one self-join
// against the tags table per filter atom, mirroring the conjunctive
// tag-filter grammar atom-for-atom instead of a cloud provider's own
// filter DSL.
func (s *Store) FindByTags(ctx context.Context, container, expr string) ([]store.Item, error) {
	atoms, err := store.ParseFilterExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	if len(atoms) == 0 {
		return s.List(ctx, container, store.ListOptions{})
	}

	var b strings.Builder
	args := []interface{}{container}
	b.WriteString(`SELECT DISTINCT o.name FROM objects o`)
	for i := range atoms {
		fmt.Fprintf(&b, ` JOIN tags t%d ON t%d.container = o.container AND t%d.name = o.name`, i, i, i)
	}
	b.WriteString(` WHERE o.container = ?`)
	for i, a := range atoms {
		fmt.Fprintf(&b, ` AND t%d.field = ?`, i)
		args = append(args, a.Field)
		switch a.Op {
		case store.FilterEQ:
			fmt.Fprintf(&b, ` AND t%d.value = ?`, i)
			args = append(args, a.Value)
		case store.FilterGT:
			fmt.Fprintf(&b, ` AND t%d.value > ?`, i)
			args = append(args, a.Value)
		case store.FilterGTE:
			fmt.Fprintf(&b, ` AND t%d.value >= ?`, i)
			args = append(args, a.Value)
		case store.FilterLT:
			fmt.Fprintf(&b, ` AND t%d.value < ?`, i)
			args = append(args, a.Value)
		case store.FilterLTE:
			fmt.Fprintf(&b, ` AND t%d.value <= ?`, i)
			args = append(args, a.Value)
		case store.FilterBetween:
			fmt.Fprintf(&b, ` AND t%d.value >= ? AND t%d.value <= ?`, i, i)
			args = append(args, a.Value, a.Value2)
		}
	}
	b.WriteString(` ORDER BY o.name`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: findbytags: %w", err)
	}
	defer rows.Close()
	var items []store.Item
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlitestore: findbytags: %w", err)
		}
		items = append(items, store.Item{Name: name})
	}
	return items, rows.Err()
}

func (s *Store) ListContainers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT container FROM objects ORDER BY container`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: listcontainers: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlitestore: listcontainers: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) DropContainer(ctx context.Context, container string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: dropcontainer: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE container=?`, container); err != nil {
		return fmt.Errorf("sqlitestore: dropcontainer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE container=?`, container); err != nil {
		return fmt.Errorf("sqlitestore: dropcontainer: %w", err)
	}
	return tx.Commit()
}
