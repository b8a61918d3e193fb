package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/evaljs/hostfunc"
)

var (
	// ErrInterrupted is returned by Run when the context ends before the
	// script finishes.
	ErrInterrupted = errors.New("engine: interrupted")
	// ErrScopeClosed is returned when a handle is used after the scope that
	// owns it was closed.
	ErrScopeClosed = errors.New("engine: scope closed")
)

// Engine is one scripting engine implementation. Initialize performs the
// process-wide setup and must succeed before NewInstance is called.
type Engine interface {
	Name() string
	Initialize(ctx context.Context) error
	NewInstance(ctx context.Context) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one isolated virtual machine.
type Instance interface {
	OpenScope() (Scope, error)
	NewContext(ctx context.Context, funcs []hostfunc.Descriptor) (Context, error)
	Close() error
}

// Context is the global namespace script runs in. Descriptors passed to
// NewContext are installed as global functions.
type Context interface {
	OpenScope() (Scope, error)
	// OpenHandleScope bounds the values produced by a single evaluation.
	OpenHandleScope() (Scope, error)
	Compile(ctx context.Context, name, src string) (Script, error)
	Run(ctx context.Context, s Script) (Value, error)
	Close() error
}

// Script is a compiled unit.
type Script interface {
	Release() error
}

// Value is a script value read back by the host.
type Value interface {
	Kind() Kind
	Bool() bool
	Float() float64
	String() string
	// Stringify renders the value with the engine's JSON.stringify. ok is
	// false when stringify produced undefined.
	Stringify() (s string, ok bool, err error)
}

type Scope interface {
	Close() error
}

// SyntaxError reports a script that failed to compile.
type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string {
	return "syntax error: " + e.Message
}

// Exception reports a value thrown while the script ran.
type Exception struct {
	Message string
	Stack   string
}

func (e *Exception) Error() string {
	return e.Message
}

// ScopeFunc adapts a close function to a Scope.
type ScopeFunc func() error

func (f ScopeFunc) Close() error { return f() }

// Depth tracks nested scopes of one owner so that a scope can only be
// closed while it is the innermost open one.
type Depth struct {
	n int
}

// Push opens a new level and returns its index.
func (d *Depth) Push() int {
	d.n++
	return d.n
}

// Pop closes level, which must be the innermost.
func (d *Depth) Pop(level int) error {
	if level != d.n {
		return fmt.Errorf("engine: scope %d closed out of order (innermost is %d)", level, d.n)
	}
	d.n--
	return nil
}

func (d *Depth) Open() int { return d.n }
