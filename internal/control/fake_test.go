package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/botfleet/internal/session"
)

// fakeRegistry records commands and mimics the registry's error contract.
type fakeRegistry struct {
	mu       sync.Mutex
	running  map[string]session.SessionInfo
	active   map[string]bool
	chats    []string
	starts   []session.StartRequest
	accounts []string
	accErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		running: make(map[string]session.SessionInfo),
		active:  make(map[string]bool),
	}
}

func (f *fakeRegistry) Start(req session.StartRequest) (session.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Identity == "" {
		req.Identity = "default"
	}
	if req.Port == 0 {
		req.Port = 25565
	}
	f.starts = append(f.starts, req)
	if info, ok := f.running[req.Identity]; ok {
		return info, session.ErrAlreadyRunning
	}
	info := session.SessionInfo{
		ID:        fmt.Sprintf("id-%d", len(f.starts)),
		Identity:  req.Identity,
		Host:      req.Host,
		Port:      req.Port,
		Version:   req.Version,
		State:     session.StateConnecting,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.running[req.Identity] = info
	return info, nil
}

func (f *fakeRegistry) Stop(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[identity]; !ok {
		return fmt.Errorf("stop %q: %w", identity, session.ErrNoSuchSession)
	}
	delete(f.running, identity)
	delete(f.active, identity)
	return nil
}

func (f *fakeRegistry) SendChat(identity, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[identity]; !ok {
		return fmt.Errorf("chat as %q: %w", identity, session.ErrNoSuchSession)
	}
	if !f.active[identity] {
		return fmt.Errorf("chat as %q: %w", identity, session.ErrChatDeliveryFailed)
	}
	f.chats = append(f.chats, identity+":"+text)
	return nil
}

func (f *fakeRegistry) Accounts(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accErr != nil {
		return nil, f.accErr
	}
	return append([]string{}, f.accounts...), nil
}

func (f *fakeRegistry) Sessions() []session.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.SessionInfo, 0, len(f.running))
	for _, info := range f.running {
		out = append(out, info)
	}
	return out
}

func (f *fakeRegistry) activate(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.running[identity]
	info.State = session.StateActive
	f.running[identity] = info
	f.active[identity] = true
}

func (f *fakeRegistry) startCalls() []session.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.StartRequest{}, f.starts...)
}

func (f *fakeRegistry) sentChats() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.chats...)
}

func (f *fakeRegistry) isRunning(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[identity]
	return ok
}
