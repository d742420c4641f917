// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"database/sql"
	stderrs "errors"

	_ "github.com/lib/pq"           // register the postgres type for sql.Open
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"
)

// Schemas for the single table the SQL store uses; New executes the one
// for its dialect.
const (
	SQLiteSchema = `
CREATE TABLE IF NOT EXISTS blobs (
  name TEXT PRIMARY KEY NOT NULL,
  data BLOB NOT NULL
);
`
	PostgresSchema = `
CREATE TABLE IF NOT EXISTS blobs (
  name TEXT PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL
);
`
)

// SQL is a BlobStore that keeps objects in a table of a SQL database.
type SQL struct {
	db   *sql.DB
	desc string
}

// NewSQLite returns a BlobStore backed by the sqlite3 database at the
// given path, which is created if needed.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return NewSQL(ctx, db, "sqlite3", "sqlite: "+path)
}

// NewPostgres returns a BlobStore backed by the Postgres database
// identified by dsn.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}
	return NewSQL(ctx, db, "postgres", "postgres")
}

// NewSQL returns a BlobStore using db, creating the blobs table if it
// doesn't exist. dialect is either "sqlite3" or "postgres".
func NewSQL(ctx context.Context, db *sql.DB, dialect, desc string) (*SQL, error) {
	var schema string
	switch dialect {
	case "sqlite3":
		schema = SQLiteSchema
	case "postgres":
		schema = PostgresSchema
	default:
		return nil, errors.Errorf("%s: unknown SQL dialect", dialect)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "creating schema")
	}
	return &SQL{db: db, desc: desc}, nil
}

func (s *SQL) String() string {
	return s.desc
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Put(ctx context.Context, name string, data []byte) error {
	const q = `INSERT INTO blobs (name, data) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET data = excluded.data`

	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, q, name, data)
	return transportError("put", name, errors.Wrap(err, "inserting blob"))
}

func (s *SQL) Get(ctx context.Context, name string) ([]byte, bool, error) {
	const q = `SELECT data FROM blobs WHERE name = $1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, name).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, transportError("get", name, err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, true, nil
}

// List returns the names that start with prefix, in lexicographic order.
func (s *SQL) List(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT name FROM blobs WHERE name LIKE $1 || '%'`

	rows, err := s.db.QueryContext(ctx, q, prefix)
	if err != nil {
		return nil, transportError("list", prefix, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, transportError("list", prefix, err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, transportError("list", prefix, err)
	}
	// LIKE treats '_' as a wildcard and may ignore case, and collation
	// may not be bytewise, so filter and sort here.
	return filterPrefix(names, prefix), nil
}
