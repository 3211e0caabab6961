package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/auth"
	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/control"
	"github.com/cory-johannsen/botfleet/internal/session"
)

// stubRegistry records control calls without dialing anything.
type stubRegistry struct {
	mu       sync.Mutex
	sessions map[string]session.SessionInfo
	chats    []string
	accounts []string
}

func (r *stubRegistry) Start(req session.StartRequest) (session.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Identity == "" {
		req.Identity = "microsoft"
	}
	if req.Port == 0 {
		req.Port = 25565
	}
	if info, ok := r.sessions[req.Identity]; ok {
		return info, fmt.Errorf("starting %q: %w", req.Identity, session.ErrAlreadyRunning)
	}
	info := session.SessionInfo{
		ID:        "id-" + req.Identity,
		Identity:  req.Identity,
		Host:      req.Host,
		Port:      req.Port,
		Version:   req.Version,
		State:     session.StateActive,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	r.sessions[req.Identity] = info
	return info, nil
}

func (r *stubRegistry) Stop(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[identity]; !ok {
		return fmt.Errorf("stopping %q: %w", identity, session.ErrNoSuchSession)
	}
	delete(r.sessions, identity)
	return nil
}

func (r *stubRegistry) SendChat(identity, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[identity]; !ok {
		return fmt.Errorf("chat as %q: %w", identity, session.ErrNoSuchSession)
	}
	r.chats = append(r.chats, identity+":"+text)
	return nil
}

func (r *stubRegistry) Accounts(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.accounts...), nil
}

func (r *stubRegistry) sentChats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chats...)
}

func (r *stubRegistry) setAccounts(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = names
}

func (r *stubRegistry) Sessions() []session.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	return out
}

type cliFixture struct {
	reg    *stubRegistry
	events *broadcast.Broadcaster
	addr   string
}

func newCLIFixture(t *testing.T, authz auth.Authorizer) *cliFixture {
	t.Helper()
	logger := zap.NewNop()
	reg := &stubRegistry{sessions: make(map[string]session.SessionInfo)}
	events := broadcast.New(100, 64, logger)
	svc := control.NewControlService(control.NewDispatcher(reg, logger), events, logger)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := control.NewGRPCServer(svc, authz)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return &cliFixture{reg: reg, events: events, addr: lis.Addr().String()}
}

func (f *cliFixture) run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--addr", f.addr, "--timeout", "5s"}, args...))
	err := root.ExecuteContext(ctx)
	return stdout.String(), err
}

func TestStartStopChat(t *testing.T) {
	f := newCLIFixture(t, auth.Authorizer{})
	ctx := context.Background()

	out, err := f.run(t, ctx, "start", "alpha", "--host", "mc.local", "--port", "25570")
	require.NoError(t, err)
	assert.Equal(t, "started alpha (mc.local:25570) id=id-alpha\n", out)

	_, err = f.run(t, ctx, "start", "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	_, err = f.run(t, ctx, "chat", "alpha", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha:hello there"}, f.reg.sentChats())

	out, err = f.run(t, ctx, "stop", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "stopped alpha\n", out)

	_, err = f.run(t, ctx, "stop", "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such session")
}

func TestStartWithoutIdentityUsesServerDefault(t *testing.T) {
	f := newCLIFixture(t, auth.Authorizer{})
	out, err := f.run(t, context.Background(), "start")
	require.NoError(t, err)
	assert.Contains(t, out, "started microsoft")
}

func TestAccountsAndSessions(t *testing.T) {
	f := newCLIFixture(t, auth.Authorizer{})
	f.reg.setAccounts("alpha", "beta")
	ctx := context.Background()

	out, err := f.run(t, ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", out)

	out, err = f.run(t, ctx, "accounts", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `["alpha","beta"]`, out)

	_, err = f.run(t, ctx, "start", "alpha", "--host", "mc.local")
	require.NoError(t, err)
	out, err = f.run(t, ctx, "sessions")
	require.NoError(t, err)
	assert.Equal(t, "alpha\tactive\tmc.local:25565\t2026-01-02T03:04:05Z\n", out)

	out, err = f.run(t, ctx, "sessions", "--json")
	require.NoError(t, err)
	var views []control.SessionView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "id-alpha", views[0].ID)
}

func TestWatchPrintsReplay(t *testing.T) {
	f := newCLIFixture(t, auth.Authorizer{})
	f.events.SetRunning([]string{"alpha"})
	f.events.RecordChat(broadcast.ChatRecord{Session: "alpha", Sender: "steve", Text: "hi", Time: time.Now()})
	f.events.SetAccounts([]string{"alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := newRootCmd()
	out := &lockedBuffer{}
	root.SetOut(out)
	root.SetArgs([]string{"--addr", f.addr, "watch"})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "accounts: alpha")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "running: alpha\n[alpha] <steve> hi\naccounts: alpha\n", out.String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestPasswordFlag(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	f := newCLIFixture(t, auth.NewAuthorizer(hash))
	ctx := context.Background()

	_, err = f.run(t, ctx, "accounts")
	require.Error(t, err)

	_, err = f.run(t, ctx, "--password", "s3cret", "accounts")
	require.NoError(t, err)

	t.Setenv("BOTCTL_PASSWORD", "s3cret")
	_, err = f.run(t, ctx, "accounts")
	require.NoError(t, err)
}

func TestHashPassword(t *testing.T) {
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetArgs([]string{"hash-password", "s3cret"})
	require.NoError(t, root.Execute())
	assert.True(t, auth.CheckPassword("s3cret", strings.TrimSpace(stdout.String())))
}

func TestFormatEvent(t *testing.T) {
	for _, tc := range []struct {
		evt  broadcast.Event
		want string
	}{
		{broadcast.LogEvent("[alpha] kicked reason=afk"), "[alpha] kicked reason=afk"},
		{broadcast.LoginEvent(broadcast.LoginPrompt{Identity: "beta", URL: "https://example.test/device", Code: "ABCD"}),
			"[beta] login required: visit https://example.test/device and enter code ABCD"},
		{broadcast.RunningEvent(nil), "running: "},
	} {
		raw, err := json.Marshal(tc.evt)
		require.NoError(t, err)
		var view control.EventView
		require.NoError(t, json.Unmarshal(raw, &view))
		assert.Equal(t, tc.want, formatEvent(view))
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
