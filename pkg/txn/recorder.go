package txn

import (
	"context"
	"sync"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
)

// recorder collects DDL executed while it is bound to a context. Recorders nest: a
// command is appended to the innermost recorder and every ancestor, so an outer
// recorder sees everything inner ones captured, in execution order.
type recorder struct {
	parent *recorder
	mock   bool

	mu       sync.Mutex
	commands []string
}

type recorderKey struct{}

func recorderFrom(ctx context.Context) *recorder {
	r, _ := ctx.Value(recorderKey{}).(*recorder)
	return r
}

func (r *recorder) add(command string) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.commands...)
}

// WatchCommands runs action and returns every DDL statement executed through ExecDDL
// during it. Commands are still executed.
func WatchCommands(ctx context.Context, action func(ctx context.Context) error) ([]string, error) {
	return watch(ctx, false, action)
}

// MockCommands runs action and returns the DDL it would have executed. Statements passed
// to ExecDDL inside the scope are recorded but never sent to the database.
func MockCommands(ctx context.Context, action func(ctx context.Context) error) ([]string, error) {
	return watch(ctx, true, action)
}

func watch(ctx context.Context, mock bool, action func(ctx context.Context) error) ([]string, error) {
	r := &recorder{parent: recorderFrom(ctx), mock: mock}
	err := action(context.WithValue(ctx, recorderKey{}, r))
	return r.snapshot(), err
}

// IsMock reports whether DDL in ctx is only recorded.
func IsMock(ctx context.Context) bool {
	for r := recorderFrom(ctx); r != nil; r = r.parent {
		if r.mock {
			return true
		}
	}
	return false
}

// ExecDDL executes a schema-altering statement in the ambient transaction and reports it
// to all active recorders. Under MockCommands the statement is recorded only.
func ExecDDL(ctx context.Context, sql string) error {
	mock := IsMock(ctx)
	s := scopeFrom(ctx)
	if !mock {
		if s == nil {
			return apperrors.ErrNoTransaction
		}
		if s.readOnly {
			return apperrors.ErrReadOnlyTransaction
		}
	}
	for r := recorderFrom(ctx); r != nil; r = r.parent {
		r.add(sql)
	}
	if mock {
		return nil
	}
	if _, err := s.txn.tx.Exec(ctx, sql); err != nil {
		return apperrors.ClassifyPgError(err)
	}
	return nil
}
