package hostfunc

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// Names of the built-in callbacks a session can expose. NameCreatePromise
// is reserved: no built-in is installed under it, so script sees it as
// undefined unless the embedder registers one.
const (
	NameConsoleInfo   = "consoleinfo"
	NameAdd           = "add"
	NameAssertEqual   = "assertEqual"
	NameResult        = "onJSResultCallback"
	NameCreatePromise = "createPromise"
)

// Console returns a consoleinfo callback that writes its arguments, space
// separated, as one line to w and logs them at info level.
func Console(logger *zap.Logger, w io.Writer) Func {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, args []any) (any, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		line := strings.Join(parts, " ")
		logger.Info("script console", zap.String("message", line))
		if w != nil {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

// Add sums its numeric arguments.
func Add(ctx context.Context, args []any) (any, error) {
	var sum float64
	for i, a := range args {
		n, ok := number(a)
		if !ok {
			return nil, fmt.Errorf("add: argument %d is %T, not a number", i, a)
		}
		sum += n
	}
	return sum, nil
}

// AssertEqual fails when its first two arguments differ. An optional third
// argument is used as the failure message.
func AssertEqual(ctx context.Context, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("assertEqual: expected 2 arguments, got %d", len(args))
	}
	if equal(args[0], args[1]) {
		return true, nil
	}
	if len(args) > 2 {
		return nil, fmt.Errorf("assertEqual: %v", args[2])
	}
	return nil, fmt.Errorf("assertEqual: %v != %v", args[0], args[1])
}

// ResultSink returns an onJSResultCallback that hands every argument list to
// fn on the calling goroutine.
func ResultSink(fn func(args []any)) Func {
	return func(ctx context.Context, args []any) (any, error) {
		fn(args)
		return nil, nil
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}
