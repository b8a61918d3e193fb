package executor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

// Session is one isolated engine instance with its execution context. It
// owns five resources, released in reverse order of acquisition:
//
//	callback table -> instance -> instance scope -> context -> context scope
type Session struct {
	id     SessionID
	cfg    sessionConfig
	logger *zap.Logger

	table    *hostfunc.Table
	instance engine.Instance
	context  engine.Context
	scopes   scopeStack

	mu     sync.Mutex
	closed bool
}

// newSession acquires the session resources. On failure everything acquired
// so far is released before returning.
func newSession(ctx context.Context, eng engine.Engine, table *hostfunc.Table, cfg sessionConfig, logger *zap.Logger) (_ *Session, err error) {
	s := &Session{cfg: cfg, logger: logger, table: table}
	defer func() {
		if err == nil {
			return
		}
		if uerr := s.scopes.unwind(); uerr != nil {
			logger.Warn("release partial session", zap.Error(uerr))
		}
	}()

	s.scopes.push("callback table", table.Release)

	inst, err := eng.NewInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	s.instance = inst
	s.scopes.push("instance", inst.Close)

	outer, err := inst.OpenScope()
	if err != nil {
		return nil, fmt.Errorf("open instance scope: %w", err)
	}
	s.scopes.push("instance scope", outer.Close)

	c, err := inst.NewContext(ctx, table.Descriptors())
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	s.context = c
	s.scopes.push("context", c.Close)

	inner, err := c.OpenScope()
	if err != nil {
		return nil, fmt.Errorf("open context scope: %w", err)
	}
	s.scopes.push("context scope", inner.Close)

	return s, nil
}

func (s *Session) ID() SessionID { return s.id }

// close waits for an in-flight evaluation and releases every resource.
func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.scopes.unwind()
}

// buildTable snapshots the executor registry and adds the per-session
// callbacks. Names already registered on the executor take precedence over
// the built-ins.
func (e *Executor) buildTable(cfg sessionConfig) *hostfunc.Table {
	var table *hostfunc.Table
	if e.registry != nil {
		table = e.registry.Table()
	} else {
		table = hostfunc.NewRegistry().Table()
	}

	setDefault := func(name string, fn hostfunc.Func) {
		if _, ok := table.Lookup(name); !ok {
			table.Set(name, fn)
		}
	}
	setDefault(hostfunc.NameConsoleInfo, hostfunc.Console(e.logger, cfg.console))
	setDefault(hostfunc.NameAdd, hostfunc.Add)
	setDefault(hostfunc.NameAssertEqual, hostfunc.AssertEqual)
	if cfg.resultSink != nil {
		table.Set(hostfunc.NameResult, hostfunc.ResultSink(cfg.resultSink))
	}

	if cfg.kv {
		kv := hostfunc.NewKV(hostfunc.DefaultKVConfig(), cfg.kvOptions...)
		table.Set("kv_get", kv.Get)
		table.Set("kv_set", kv.Set)
		table.Set("kv_delete", kv.Delete)
		table.Set("kv_keys", kv.Keys)
	}

	for _, d := range cfg.funcs {
		table.Set(d.Name, d.Fn)
	}
	return table
}
