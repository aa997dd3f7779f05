package agent

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
)

// Crash is a failure that ended an agent loop, with the stack it was
// captured at.
type Crash struct {
	Err   error
	Stack string
}

func (c *Crash) Error() string { return c.Err.Error() }

func (c *Crash) Unwrap() error { return c.Err }

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// asCrash converts a loop error into a Crash. Errors without a recorded
// stack get one at this point.
func asCrash(err error) *Crash {
	var c *Crash
	if errors.As(err, &c) {
		return c
	}
	traced := err
	var st stackTracer
	if !errors.As(err, &st) {
		traced = errors.WithStack(err)
	}
	return &Crash{Err: err, Stack: fmt.Sprintf("%+v", traced)}
}

// panicCrash converts a recovered panic value into a Crash carrying the
// goroutine stack at the panic site.
func panicCrash(r any) *Crash {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	return &Crash{
		Err:   errors.WithMessage(err, "panic"),
		Stack: string(debug.Stack()),
	}
}

// Recover runs fn and converts a panic into a Crash. Callers that invoke
// plugin code on their own goroutine use it to contain failures.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicCrash(r)
		}
	}()
	return fn()
}

type ownerKey struct{}

func withOwner(ctx context.Context, a *Agent) context.Context {
	return context.WithValue(ctx, ownerKey{}, a)
}

// OnLoop reports whether ctx was issued by this agent's loop, which means
// the caller is running on the loop goroutine.
func (a *Agent) OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Agent)
	return owner == a
}

// Detach returns ctx without its loop identity. Use it before handing a
// loop context to another goroutine.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, (*Agent)(nil))
}
