// Package scripting runs operator-supplied Lua chat hooks in sandboxed
// GopherLua VMs. It has no dependency on the session package; outbound
// actions are injected via Manager callback fields.
package scripting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes allowed per
// hook invocation or file load when no override is configured.
const DefaultInstructionLimit = 100_000

// ErrSandboxClosed is returned by Sandbox methods after Close.
var ErrSandboxClosed = errors.New("scripting: sandbox closed")

// countingContext is a context.Context that cancels itself after Done() has
// been called limit times. GopherLua's mainLoopWithContext calls Done() once
// per opcode, making this an exact instruction-count limit.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

// Done decrements the remaining budget and returns the cancellation channel.
func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

// newCountingContext returns a context that cancels after limit calls to Done().
//
// Precondition: limit > 0.
func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{
		Context:   base,
		cancel:    cancel,
		remaining: rem,
	}, cancel
}

// NewSandboxedState creates a GopherLua LState with only the base, table,
// string and math libraries and with the globals that load code or touch the
// host removed.
//
// Postcondition: Returns a non-nil LState with no execution limit attached.
// The caller owns the LState and must call L.Close() when done.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module", "getfenv", "setfenv"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// Sandbox serializes access to one sandboxed LState and gives every
// execution a fresh instruction budget.
type Sandbox struct {
	mu    sync.Mutex
	L     *lua.LState
	limit int
}

// NewSandbox creates a Sandbox whose executions are each limited to limit
// opcodes.
//
// Precondition: limit >= 0; 0 uses DefaultInstructionLimit.
// Postcondition: Returns a non-nil Sandbox; the caller must Close it.
func NewSandbox(limit int) *Sandbox {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	return &Sandbox{L: NewSandboxedState(), limit: limit}
}

// Do runs fn against the LState under a fresh instruction budget.
//
// Postcondition: The LState carries no context once Do returns.
func (s *Sandbox) Do(fn func(L *lua.LState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L == nil {
		return ErrSandboxClosed
	}
	ctx, cancel := newCountingContext(s.limit)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()
	return fn(s.L)
}

// DoString executes src under a fresh instruction budget.
func (s *Sandbox) DoString(src string) error {
	return s.Do(func(L *lua.LState) error { return L.DoString(src) })
}

// DoFile executes the Lua file at path under a fresh instruction budget.
func (s *Sandbox) DoFile(path string) error {
	return s.Do(func(L *lua.LState) error { return L.DoFile(path) })
}

// Call invokes the global function name with args and returns its first
// result. found is false when no such global function exists.
//
// Postcondition: On error ret is LNil; the Lua stack is left balanced.
func (s *Sandbox) Call(name string, args ...lua.LValue) (ret lua.LValue, found bool, err error) {
	ret = lua.LNil
	err = s.Do(func(L *lua.LState) error {
		fn, ok := L.GetGlobal(name).(*lua.LFunction)
		if !ok {
			return nil
		}
		found = true
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
			return err
		}
		ret = L.Get(-1)
		L.Pop(1)
		return nil
	})
	if err != nil {
		ret = lua.LNil
	}
	return ret, found, err
}

// Close releases the LState. Close is idempotent.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}
