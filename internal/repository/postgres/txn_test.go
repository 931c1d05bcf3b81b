package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// txJournal is a database/sql driver that only records transaction calls.
type txJournal struct {
	mu        sync.Mutex
	events    []string
	commitErr error
}

func (j *txJournal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *txJournal) Connect(context.Context) (driver.Conn, error) { return journalConn{j}, nil }
func (j *txJournal) Driver() driver.Driver                        { return journalDriver{} }

type journalDriver struct{}

func (journalDriver) Open(string) (driver.Conn, error) { return nil, errors.New("open through the connector") }

type journalConn struct{ j *txJournal }

func (journalConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("statements unsupported") }
func (journalConn) Close() error                        { return nil }
func (c journalConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c journalConn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.j.add("begin " + sql.IsolationLevel(opts.Isolation).String())
	return journalTx{c.j}, nil
}

type journalTx struct{ j *txJournal }

func (t journalTx) Commit() error {
	t.j.add("commit")
	return t.j.commitErr
}

func (t journalTx) Rollback() error {
	t.j.add("rollback")
	return nil
}

func journalDB(t *testing.T, j *txJournal) *sqlx.DB {
	t.Helper()
	db := sqlx.NewDb(sql.OpenDB(j), "postgres")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunInTxCommits(t *testing.T) {
	j := &txJournal{}
	err := runInTx(context.Background(), journalDB(t, j), func(*sqlx.Tx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"begin Read Committed", "commit"}, j.events)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	j := &txJournal{}
	boom := errors.New("boom")
	err := runInTx(context.Background(), journalDB(t, j), func(*sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"begin Read Committed", "rollback"}, j.events)
}

func TestRunInTxRollsBackOnPanic(t *testing.T) {
	j := &txJournal{}
	db := journalDB(t, j)
	assert.PanicsWithValue(t, "boom", func() {
		_ = runInTx(context.Background(), db, func(*sqlx.Tx) error { panic("boom") })
	})
	assert.Equal(t, []string{"begin Read Committed", "rollback"}, j.events)
}

func TestRunInTxReportsCommitFailure(t *testing.T) {
	j := &txJournal{commitErr: errors.New("serialization failure")}
	err := runInTx(context.Background(), journalDB(t, j), func(*sqlx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: commit")
	assert.NotContains(t, err.Error(), "rollback", "a finished transaction is not rolled back again")
	assert.Equal(t, []string{"begin Read Committed", "commit"}, j.events)
}
