package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/broadcast"
)

// Hook names looked up as Lua globals.
const (
	HookLogin = "on_login"
	HookChat  = "on_chat"
	HookKick  = "on_kick"
)

// Manager owns a shared sandbox loaded from the top level of the script
// directory plus optional per-session sandboxes loaded from subdirectories
// named after a session identity. A session sandbox that does not define a
// hook falls back to the shared one.
//
// Manager is safe for concurrent use; each Sandbox serializes its own calls.
type Manager struct {
	mu       sync.RWMutex
	shared   *Sandbox
	sessions map[string]*Sandbox
	limit    int
	logger   *zap.Logger

	// Injected after construction. nil makes bot.send report failure.
	Send func(identity, text string) error
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: logger must be non-nil; limit >= 0 (0 uses DefaultInstructionLimit).
// Postcondition: Returns a non-nil Manager.
func NewManager(limit int, logger *zap.Logger) *Manager {
	if logger == nil {
		panic("scripting.NewManager: logger must not be nil")
	}
	return &Manager{
		sessions: make(map[string]*Sandbox),
		limit:    limit,
		logger:   logger,
		Now:      time.Now,
	}
}

// Load executes every *.lua file directly in dir into the shared sandbox and
// every *.lua file in each subdirectory of dir into a sandbox for the session
// of the same name.
//
// Precondition: dir must be a readable directory.
// Postcondition: On success the loaded sandboxes replace any previous ones;
// on error nothing is replaced.
func (m *Manager) Load(dir string) error {
	shared, err := m.loadSandbox(dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		shared.Close()
		return fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	sessions := make(map[string]*Sandbox)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sb, err := m.loadSandbox(filepath.Join(dir, e.Name()))
		if err != nil {
			shared.Close()
			for _, s := range sessions {
				s.Close()
			}
			return err
		}
		sessions[e.Name()] = sb
	}

	m.mu.Lock()
	oldShared, oldSessions := m.shared, m.sessions
	m.shared, m.sessions = shared, sessions
	m.mu.Unlock()

	if oldShared != nil {
		oldShared.Close()
	}
	for _, sb := range oldSessions {
		sb.Close()
	}
	m.logger.Info("chat scripts loaded",
		zap.String("dir", dir),
		zap.Int("session_overrides", len(sessions)),
	)
	return nil
}

func (m *Manager) loadSandbox(dir string) (*Sandbox, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	sb := NewSandbox(m.limit)
	m.RegisterModules(sb)
	for _, path := range luaFiles {
		if err := sb.DoFile(path); err != nil {
			sb.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}
	return sb, nil
}

// CallHook calls the named Lua global in identity's sandbox, falling back to
// the shared sandbox. Returns (LNil, nil) when the hook is not defined
// anywhere. Lua runtime errors are logged at Warn level and never propagated.
//
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(identity, hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.RLock()
	candidates := make([]*Sandbox, 0, 2)
	if sb, ok := m.sessions[identity]; ok {
		candidates = append(candidates, sb)
	}
	if m.shared != nil {
		candidates = append(candidates, m.shared)
	}
	m.mu.RUnlock()

	for _, sb := range candidates {
		ret, found, err := sb.Call(hook, args...)
		if err != nil {
			m.logger.Warn("chat script error",
				zap.String(broadcast.SessionField, identity),
				zap.String("hook", hook),
				zap.Error(err),
			)
			return lua.LNil, nil
		}
		if found {
			return ret, nil
		}
	}
	return lua.LNil, nil
}

// OnLogin invokes on_login(session).
func (m *Manager) OnLogin(identity string) {
	_, _ = m.CallHook(identity, HookLogin, lua.LString(identity))
}

// OnChat invokes on_chat(session, sender, message) and returns its reply.
//
// Postcondition: Returns "" unless the hook returned a non-empty string.
func (m *Manager) OnChat(identity, sender, message string) string {
	ret, _ := m.CallHook(identity, HookChat, lua.LString(identity), lua.LString(sender), lua.LString(message))
	if s, ok := ret.(lua.LString); ok {
		return string(s)
	}
	return ""
}

// OnKick invokes on_kick(session, reason).
func (m *Manager) OnKick(identity, reason string) {
	_, _ = m.CallHook(identity, HookKick, lua.LString(identity), lua.LString(reason))
}

// Close releases every sandbox. Hooks called afterwards are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	shared, sessions := m.shared, m.sessions
	m.shared, m.sessions = nil, make(map[string]*Sandbox)
	m.mu.Unlock()

	if shared != nil {
		shared.Close()
	}
	for _, sb := range sessions {
		sb.Close()
	}
}
