package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func chat(session, from, text string) ChatRecord {
	return ChatRecord{Session: session, Sender: from, Text: text, Time: time.Unix(0, 0).UTC()}
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case evt := <-sub.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestHistory_FIFOEviction(t *testing.T) {
	h := NewHistory(100)
	for i := 1; i <= 101; i++ {
		h.Append(chat("alice", "bob", fmt.Sprintf("msg %d", i)))
	}
	recs := h.Records()
	require.Len(t, recs, 100)
	assert.Equal(t, "msg 2", recs[0].Text, "message #1 must be evicted first")
	assert.Equal(t, "msg 101", recs[99].Text)
}

func TestHistory_MinimumCapacity(t *testing.T) {
	h := NewHistory(0)
	h.Append(chat("a", "b", "one"))
	h.Append(chat("a", "b", "two"))
	assert.Equal(t, 1, h.Cap())
	assert.Equal(t, []ChatRecord{chat("a", "b", "two")}, h.Records())
}

func TestPropertyHistoryKeepsNewest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		n := rapid.IntRange(0, 60).Draw(t, "n")
		h := NewHistory(capacity)
		for i := 0; i < n; i++ {
			h.Append(chat("s", "x", fmt.Sprint(i)))
		}
		recs := h.Records()
		want := n
		if want > capacity {
			want = capacity
		}
		if len(recs) != want {
			t.Fatalf("len = %d, want %d", len(recs), want)
		}
		for i, rec := range recs {
			if exp := fmt.Sprint(n - want + i); rec.Text != exp {
				t.Fatalf("recs[%d] = %q, want %q", i, rec.Text, exp)
			}
		}
	})
}

func TestBroadcaster_PublishReachesAllSubscribers(t *testing.T) {
	b := New(100, 8, zaptest.NewLogger(t))
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Log("hello")

	for _, sub := range []*Subscription{s1, s2} {
		evts := drain(sub)
		require.Len(t, evts, 1)
		assert.Equal(t, KindLog, evts[0].Kind)
		assert.Equal(t, "hello", evts[0].Log)
	}
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestBroadcaster_RecordChatBoundsHistory(t *testing.T) {
	b := New(100, 8, zaptest.NewLogger(t))
	for i := 1; i <= 101; i++ {
		b.RecordChat(chat("alice", "bob", fmt.Sprintf("msg %d", i)))
	}
	hist := b.History("alice")
	require.Len(t, hist, 100)
	assert.Equal(t, "msg 2", hist[0].Text)
	assert.Equal(t, "msg 101", hist[99].Text)
}

func TestBroadcaster_SubscribeReplaysSnapshotOnce(t *testing.T) {
	b := New(100, 8, zaptest.NewLogger(t))
	b.SetRunning([]string{"alice", "carol"})
	b.SetAccounts([]string{"alice", "carol", "dave"})
	b.RecordChat(chat("carol", "x", "c1"))
	b.RecordChat(chat("alice", "bob", "a1"))
	b.RecordChat(chat("alice", "bob", "a2"))

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	replay := sub.Replay()
	require.Len(t, replay, 5)
	assert.Equal(t, RunningEvent([]string{"alice", "carol"}), replay[0])
	assert.Equal(t, "a1", replay[1].Chat.Text)
	assert.Equal(t, "a2", replay[2].Chat.Text)
	assert.Equal(t, "c1", replay[3].Chat.Text)
	assert.Equal(t, AccountsEvent([]string{"alice", "carol", "dave"}), replay[4])

	assert.Nil(t, sub.Replay(), "replay is delivered exactly once")
	assert.Empty(t, drain(sub), "snapshot contents are not duplicated on the live tail")
}

func TestBroadcaster_ClearHistoryRemovesReplay(t *testing.T) {
	b := New(100, 8, zaptest.NewLogger(t))
	b.RecordChat(chat("alice", "bob", "hi"))
	b.ClearHistory("alice")
	assert.Nil(t, b.History("alice"))

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	for _, evt := range sub.Replay() {
		assert.NotEqual(t, KindChat, evt.Kind)
	}
}

func TestBroadcaster_FullSubscriberDoesNotBlock(t *testing.T) {
	b := New(100, 1, zaptest.NewLogger(t))
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Log(fmt.Sprint(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(9), slow.Dropped())
}

func TestBroadcaster_UnsubscribeIdempotent(t *testing.T) {
	b := New(100, 4, zaptest.NewLogger(t))
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.True(t, sub.IsClosed())
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)
	b.Log("after close")
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(100, 1024, zaptest.NewLogger(t))
	const n = 50
	var wg sync.WaitGroup
	subs := make(chan *Subscription, n)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.RecordChat(chat("alice", "bob", fmt.Sprint(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			subs <- b.Subscribe()
		}
	}()
	wg.Wait()
	close(subs)

	// Every observer sees each message exactly once across replay + live tail.
	for sub := range subs {
		seen := map[string]int{}
		for _, evt := range append(sub.Replay(), drain(sub)...) {
			if evt.Kind == KindChat {
				seen[evt.Chat.Text]++
			}
		}
		assert.Len(t, seen, n)
		for text, count := range seen {
			assert.Equal(t, 1, count, "message %q", text)
		}
		b.Unsubscribe(sub)
	}
}

func TestEvent_MarshalJSON(t *testing.T) {
	rec := ChatRecord{Session: "alice", Sender: "bob", Text: "hello", Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	data, err := json.Marshal(ChatEvent(rec))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","data":{"session":"alice","from":"bob","message":"hello","time":"2024-01-02T03:04:05Z"}}`, string(data))

	data, err = json.Marshal(RunningEvent(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"running","data":[]}`, string(data))

	data, err = json.Marshal(LoginEvent(LoginPrompt{Identity: "alice", URL: "https://example.com/link", Code: "ABCD"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"loginRequired","data":{"username":"alice","url":"https://example.com/link","code":"ABCD"}}`, string(data))
}

func TestLogCore_MirrorsEntries(t *testing.T) {
	b := New(100, 8, zaptest.NewLogger(t))
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	logger := zap.New(b.LogCore(zapcore.InfoLevel)).With(zap.String(SessionField, "alice"))
	logger.Info("kicked", zap.String("reason", "idle"))
	logger.Debug("not mirrored")
	logger.Warn("send failed", zap.Error(errors.New("broken pipe")), zap.Duration("delay", 10*time.Second))

	evts := drain(sub)
	require.Len(t, evts, 2)
	assert.Equal(t, "[alice] kicked reason=idle", evts[0].Log)
	assert.Equal(t, "[alice] send failed delay=10s error=broken pipe", evts[1].Log)
}

func TestFormatLine_NoSession(t *testing.T) {
	assert.Equal(t, "dashboard ready", FormatLine("dashboard ready", map[string]any{}))
	assert.Equal(t, "x a=1 b=2", FormatLine("x", map[string]any{"b": 2, "a": 1}))
}
