// Package txn binds database transactions to a context.Context.
//
// A transaction started by Manager.WithTransaction is carried by the context handed to
// the action; nested calls with the same context join it unless RequiresNew is set, in
// which case a new transaction runs on its own connection and the outer one is untouched
// until the action returns.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
)

// DBTx is the subset of pgx.Tx the datastore uses.
type DBTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens physical transactions. database.DB implements it over a pgxpool.
type Beginner interface {
	Begin(ctx context.Context, readOnly bool) (DBTx, error)
}

// Options controls how WithTransaction binds the action.
type Options struct {
	ReadOnly    bool
	RequiresNew bool
}

// Txn is one physical transaction plus its completion hooks.
type Txn struct {
	ID       uint64
	tx       DBTx
	readOnly bool

	mu            sync.Mutex
	afterCommit   []func(ctx context.Context)
	afterRollback []func(ctx context.Context)
}

// ReadOnly reports whether the physical transaction was opened read-only.
func (t *Txn) ReadOnly() bool {
	return t.readOnly
}

type scope struct {
	txn      *Txn
	readOnly bool
}

type scopeKey struct{}

// Manager starts and binds transactions.
type Manager struct {
	beginner Beginner
	logger   *zap.Logger
	nextID   atomic.Uint64
}

// NewManager creates a transaction manager. A nil logger is replaced by a no-op logger.
func NewManager(beginner Beginner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		beginner: beginner,
		logger:   logger.Named("txn"),
	}
}

// WithTransaction runs action inside a transaction bound to the context it receives.
//
// Without RequiresNew an ambient transaction is joined. A read-only ambient transaction
// cannot host a read-write action; a read-write one can host a read-only action, which
// then sees a read-only scope for its duration only.
func (m *Manager) WithTransaction(ctx context.Context, opts Options, action func(ctx context.Context) error) error {
	if current := scopeFrom(ctx); current != nil && !opts.RequiresNew {
		if current.readOnly && !opts.ReadOnly {
			return apperrors.ErrReadOnlyTransaction.WithMessage("cannot join read-only transaction %d with a read-write scope", current.txn.ID)
		}
		if opts.ReadOnly && !current.readOnly {
			ctx = context.WithValue(ctx, scopeKey{}, &scope{txn: current.txn, readOnly: true})
		}
		return action(ctx)
	}
	return m.runNew(ctx, opts, action)
}

func (m *Manager) runNew(ctx context.Context, opts Options, action func(ctx context.Context) error) (err error) {
	tx, err := m.beginner.Begin(ctx, opts.ReadOnly)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Txn{
		ID:       m.nextID.Add(1),
		tx:       tx,
		readOnly: opts.ReadOnly,
	}
	txCtx := context.WithValue(ctx, scopeKey{}, &scope{txn: t, readOnly: opts.ReadOnly})
	m.logger.Debug("Transaction started", zap.Uint64("txn_id", t.ID), zap.Bool("read_only", opts.ReadOnly))

	defer func() {
		if p := recover(); p != nil {
			m.rollback(ctx, t)
			panic(p)
		}
	}()

	if err := action(txCtx); err != nil {
		m.rollback(ctx, t)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		m.runHooks(ctx, t, false)
		return fmt.Errorf("failed to commit transaction: %w", apperrors.ClassifyPgError(err))
	}
	m.logger.Debug("Transaction committed", zap.Uint64("txn_id", t.ID))
	m.runHooks(ctx, t, true)
	return nil
}

func (m *Manager) rollback(ctx context.Context, t *Txn) {
	// the caller's context may already be cancelled; rollback must still reach the server
	if err := t.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		m.logger.Warn("Failed to roll back transaction", zap.Uint64("txn_id", t.ID), zap.Error(err))
	}
	m.logger.Debug("Transaction rolled back", zap.Uint64("txn_id", t.ID))
	m.runHooks(ctx, t, false)
}

func (m *Manager) runHooks(ctx context.Context, t *Txn, committed bool) {
	t.mu.Lock()
	hooks := t.afterRollback
	if committed {
		hooks = t.afterCommit
	}
	t.afterCommit, t.afterRollback = nil, nil
	t.mu.Unlock()

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range hooks {
		hook(hookCtx)
	}
}

// Do runs action in a transaction and returns its result.
func Do[R any](ctx context.Context, m *Manager, opts Options, action func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := m.WithTransaction(ctx, opts, func(ctx context.Context) error {
		var err error
		result, err = action(ctx)
		return err
	})
	return result, err
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// Current returns the ambient transaction, if any.
func Current(ctx context.Context) (*Txn, bool) {
	s := scopeFrom(ctx)
	if s == nil {
		return nil, false
	}
	return s.txn, true
}

// InTransaction reports whether ctx carries an ambient transaction.
func InTransaction(ctx context.Context) bool {
	return scopeFrom(ctx) != nil
}

// IsReadOnly reports whether the current scope is read-only.
func IsReadOnly(ctx context.Context) bool {
	s := scopeFrom(ctx)
	return s != nil && s.readOnly
}

// AfterCommit registers fn to run after the ambient transaction commits.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) error {
	s := scopeFrom(ctx)
	if s == nil {
		return apperrors.ErrNoTransaction
	}
	s.txn.mu.Lock()
	s.txn.afterCommit = append(s.txn.afterCommit, fn)
	s.txn.mu.Unlock()
	return nil
}

// AfterRollback registers fn to run after the ambient transaction rolls back or fails to commit.
func AfterRollback(ctx context.Context, fn func(ctx context.Context)) error {
	s := scopeFrom(ctx)
	if s == nil {
		return apperrors.ErrNoTransaction
	}
	s.txn.mu.Lock()
	s.txn.afterRollback = append(s.txn.afterRollback, fn)
	s.txn.mu.Unlock()
	return nil
}

// Exec runs a data-modifying statement in the ambient transaction.
func Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s := scopeFrom(ctx)
	if s == nil {
		return pgconn.CommandTag{}, apperrors.ErrNoTransaction
	}
	if s.readOnly {
		return pgconn.CommandTag{}, apperrors.ErrReadOnlyTransaction
	}
	tag, err := s.txn.tx.Exec(ctx, sql, args...)
	if err != nil {
		return tag, apperrors.ClassifyPgError(err)
	}
	return tag, nil
}

// readStatements start statements that cannot modify data. WITH is absent because a CTE
// may hold INSERT, UPDATE or DELETE.
var readStatements = map[string]bool{"SELECT": true, "SHOW": true, "VALUES": true, "TABLE": true}

func isReadStatement(sql string) bool {
	sql = strings.TrimLeft(sql, " \t\r\n(")
	end := strings.IndexFunc(sql, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(sql)
	}
	return readStatements[strings.ToUpper(sql[:end])]
}

// Query runs a query in the ambient transaction. Inside a read-only scope only
// statements starting with SELECT, SHOW, VALUES or TABLE are allowed.
func Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s := scopeFrom(ctx)
	if s == nil {
		return nil, apperrors.ErrNoTransaction
	}
	if s.readOnly && !isReadStatement(sql) {
		return nil, apperrors.ErrReadOnlyTransaction
	}
	rows, err := s.txn.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.ClassifyPgError(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query in the ambient transaction, with the same read-only
// rule as Query.
func QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s := scopeFrom(ctx)
	if s == nil {
		return errRow{err: apperrors.ErrNoTransaction}
	}
	if s.readOnly && !isReadStatement(sql) {
		return errRow{err: apperrors.ErrReadOnlyTransaction}
	}
	return s.txn.tx.QueryRow(ctx, sql, args...)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
