// Package txntest provides an in-memory Beginner for tests that exercise transaction
// boundaries without a database.
package txntest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// ErrNotSupported is returned by queries when no handler is configured.
var ErrNotSupported = errors.New("txntest: query not supported")

// Beginner hands out FakeTx values and remembers them.
type Beginner struct {
	mu  sync.Mutex
	Txs []*FakeTx

	// BeginErr, when set, fails every Begin.
	BeginErr error
	// CommitErr, when set, fails every Commit.
	CommitErr error
	// ExecErr, when set, is consulted for every Exec; a non-nil result fails the call.
	ExecErr func(sql string) error
}

var _ txn.Beginner = (*Beginner)(nil)

// Begin implements txn.Beginner.
func (b *Beginner) Begin(_ context.Context, readOnly bool) (txn.DBTx, error) {
	if b.BeginErr != nil {
		return nil, b.BeginErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &FakeTx{ReadOnly: readOnly, beginner: b}
	b.Txs = append(b.Txs, tx)
	return tx, nil
}

// Executed returns the statements executed by committed transactions, in order.
func (b *Beginner) Executed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []string
	for _, tx := range b.Txs {
		if tx.Committed {
			result = append(result, tx.Statements()...)
		}
	}
	return result
}

// Counts returns the number of committed and rolled back transactions.
func (b *Beginner) Counts() (committed, rolledBack int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.Txs {
		if tx.Committed {
			committed++
		}
		if tx.RolledBack {
			rolledBack++
		}
	}
	return committed, rolledBack
}

// FakeTx records statements and completion.
type FakeTx struct {
	ReadOnly   bool
	Committed  bool
	RolledBack bool

	beginner   *Beginner
	mu         sync.Mutex
	statements []string
}

// Statements returns the statements executed in this transaction.
func (t *FakeTx) Statements() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.statements...)
}

func (t *FakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if t.beginner.ExecErr != nil {
		if err := t.beginner.ExecErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	t.mu.Lock()
	t.statements = append(t.statements, sql)
	t.mu.Unlock()
	return pgconn.NewCommandTag("OK"), nil
}

func (t *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrNotSupported
}

func (t *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (t *FakeTx) Commit(context.Context) error {
	if t.beginner.CommitErr != nil {
		t.RolledBack = true
		return t.beginner.CommitErr
	}
	t.Committed = true
	return nil
}

func (t *FakeTx) Rollback(context.Context) error {
	if t.Committed {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error {
	return ErrNotSupported
}
