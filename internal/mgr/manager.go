// Package mgr provides a minimal worker manager, adapted from the
// teacher's service/mgr package: named goroutine/synchronous workers with
// panic recovery and structured logging, scoped down to what the stub
// resolver's listener and dispatcher need.
package mgr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/kszczek/dnsstub/internal/log"
)

// Manager runs named workers that share a lifetime context.
type Manager struct {
	name string

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// New returns a new Manager using context.Background() as its root context.
func New(name string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{name: name, ctx: ctx, cancelCtx: cancel}
}

// Name returns the manager's name.
func (m *Manager) Name() string { return m.name }

// Ctx returns the manager's lifetime context.
func (m *Manager) Ctx() context.Context { return m.ctx }

// Cancel cancels the manager's lifetime context, signalling all workers to
// stop.
func (m *Manager) Cancel() { m.cancelCtx() }

// IsDone reports whether the manager's context has been canceled.
func (m *Manager) IsDone() bool { return m.ctx.Err() != nil }

// WorkerCtx is passed to a worker function, giving it access to a
// per-worker context and logging scoped to the worker's name.
type WorkerCtx struct {
	name string
	ctx  context.Context
}

// Ctx returns the worker's context. It is the manager's lifetime context:
// it is canceled when the manager is canceled, not when the worker returns.
func (w *WorkerCtx) Ctx() context.Context { return w.ctx }

// Name returns the worker's name.
func (w *WorkerCtx) Name() string { return w.name }

// Go starts fn in a new goroutine as a named worker, recovering panics and
// logging any returned (non-cancellation) error.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	go m.run(name, fn)
}

// Do runs fn synchronously as a named worker, recovering panics and
// returning any error fn produced.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	return m.run(name, fn)
}

func (m *Manager) run(name string, fn func(w *WorkerCtx) error) error {
	w := &WorkerCtx{name: name, ctx: m.ctx}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker %q panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		err = fn(w)
	}()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		log.Errorf("%s: worker %q failed: %s", m.name, name, err)
		return err
	}
}
