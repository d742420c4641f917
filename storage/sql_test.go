// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS blobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQL(context.Background(), db, "postgres", "postgres")
	require.NoError(t, err)
	return s, mock
}

func TestPostgresPutGet(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO blobs (name, data) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE")).
		WithArgs("a_at_b.c/salt.bin", []byte("0123456789abcdef")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Put(ctx, "a_at_b.c/salt.bin", []byte("0123456789abcdef")))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM blobs WHERE name = $1")).
		WithArgs("a_at_b.c/salt.bin").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("0123456789abcdef")))
	b, found, err := s.Get(ctx, "a_at_b.c/salt.bin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "0123456789abcdef", string(b))

	// No rows means not found, not an error.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM blobs WHERE name = $1")).
		WithArgs("a_at_b.c/email_hashes.json").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	_, found, err = s.Get(ctx, "a_at_b.c/email_hashes.json")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM blobs WHERE name LIKE $1 || '%'")).
		WithArgs("a_at_b.c/").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("a_at_b.c/salt.bin").
			AddRow("aXatXb.c/salt.bin").
			AddRow("a_at_b.c/email_hashes.json"))
	names, err := s.List(ctx, "a_at_b.c/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_at_b.c/email_hashes.json", "a_at_b.c/salt.bin"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrors(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPostgres(t)

	down := errors.New("connection refused")
	mock.ExpectExec("INSERT INTO blobs").WillReturnError(down)
	err := s.Put(ctx, "x", []byte("y"))
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, down))

	mock.ExpectQuery("SELECT data FROM blobs").WillReturnError(down)
	_, found, err := s.Get(ctx, "x")
	assert.False(t, found)
	assert.True(t, errors.Is(err, ErrTransport))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQL(context.Background(), db, "oracle", "oracle")
	assert.Error(t, err)
}
