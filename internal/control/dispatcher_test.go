package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/session"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeRegistry, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	reg := newFakeRegistry()
	return NewDispatcher(reg, zap.New(core)), reg, logs
}

func TestDispatcher_StartSessionTrimsAndForwards(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	info, err := d.StartSession(session.StartRequest{Identity: "  alpha ", Host: " mc.local ", Port: 25570, Version: "1.20"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", info.Identity)
	assert.Equal(t, []session.StartRequest{{Identity: "alpha", Host: "mc.local", Port: 25570, Version: "1.20"}}, reg.startCalls())
}

func TestDispatcher_StartSessionRejectsBadPort(t *testing.T) {
	d, reg, logs := newTestDispatcher(t)
	for _, port := range []int{-1, 70000} {
		_, err := d.StartSession(session.StartRequest{Identity: "alpha", Port: port})
		assert.ErrorIs(t, err, ErrInvalidCommand)
	}
	assert.Empty(t, reg.startCalls())
	assert.Equal(t, 2, logs.FilterMessage("command failed").Len())
}

func TestDispatcher_AlreadyRunningIsReported(t *testing.T) {
	d, _, logs := newTestDispatcher(t)
	first, err := d.StartSession(session.StartRequest{Identity: "alpha"})
	require.NoError(t, err)

	again, err := d.StartSession(session.StartRequest{Identity: "alpha"})
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)
	assert.Equal(t, first.ID, again.ID)

	entries := logs.FilterMessage("command failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "alpha", entries[0].ContextMap()[broadcast.SessionField])
	assert.Equal(t, "start", entries[0].ContextMap()["command"])
}

func TestDispatcher_StopSession(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	_, err := d.StartSession(session.StartRequest{Identity: "alpha"})
	require.NoError(t, err)

	require.NoError(t, d.StopSession(" alpha"))
	assert.False(t, reg.isRunning("alpha"))

	assert.ErrorIs(t, d.StopSession("alpha"), session.ErrNoSuchSession)
	assert.ErrorIs(t, d.StopSession(""), ErrInvalidCommand)
}

func TestDispatcher_SendChat(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	assert.ErrorIs(t, d.SendChat("alpha", "hi"), session.ErrNoSuchSession)

	_, err := d.StartSession(session.StartRequest{Identity: "alpha"})
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendChat("alpha", "hi"), session.ErrChatDeliveryFailed)

	reg.activate("alpha")
	require.NoError(t, d.SendChat("alpha", "hi"))
	assert.Equal(t, []string{"alpha:hi"}, reg.sentChats())

	assert.ErrorIs(t, d.SendChat("alpha", "   "), ErrInvalidCommand)
	assert.ErrorIs(t, d.SendChat("", "hi"), ErrInvalidCommand)
}

func TestDispatcher_Accounts(t *testing.T) {
	d, reg, logs := newTestDispatcher(t)
	reg.accounts = []string{"alpha", "beta"}
	names, err := d.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	reg.accErr = errors.New("disk gone")
	_, err = d.Accounts(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("command failed").Len())
}
