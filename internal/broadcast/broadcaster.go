package broadcast

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultHistoryLimit is the per-identity chat history capacity.
const DefaultHistoryLimit = 100

// Broadcaster delivers events to every subscribed observer and owns the
// per-identity chat history buffers.
//
// Invariant: each identity's history holds at most historyLimit records.
// All methods are safe for concurrent use. Publishing never blocks: an
// observer whose buffer is full misses the event.
type Broadcaster struct {
	mu           sync.Mutex
	subs         map[*Subscription]struct{}
	histories    map[string]*History
	running      []string
	accounts     []string
	historyLimit int
	bufferSize   int
	logger       *zap.Logger
}

// New creates a Broadcaster.
//
// Precondition: logger must be non-nil and must NOT be mirrored into this
// Broadcaster's LogCore.
// Postcondition: Returns a Broadcaster with no subscribers and empty histories.
func New(historyLimit, bufferSize int, logger *zap.Logger) *Broadcaster {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &Broadcaster{
		subs:         make(map[*Subscription]struct{}),
		histories:    make(map[string]*History),
		running:      []string{},
		accounts:     []string{},
		historyLimit: historyLimit,
		bufferSize:   bufferSize,
		logger:       logger,
	}
}

// Publish delivers evt to every current subscriber.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	dropped := b.publishLocked(evt)
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("observer buffer full, event dropped",
			zap.String("kind", string(evt.Kind)),
			zap.Int("observers", dropped),
		)
	}
}

func (b *Broadcaster) publishLocked(evt Event) int {
	dropped := 0
	for sub := range b.subs {
		if !sub.push(evt) {
			dropped++
		}
	}
	return dropped
}

// Log publishes a free-text log line.
func (b *Broadcaster) Log(line string) {
	b.Publish(LogEvent(line))
}

// RecordChat appends rec to its session's history and publishes it.
//
// Precondition: rec.Session must be non-empty.
// Postcondition: rec is the newest history entry for rec.Session; the oldest
// entry is evicted if the history was full.
func (b *Broadcaster) RecordChat(rec ChatRecord) {
	b.mu.Lock()
	h, ok := b.histories[rec.Session]
	if !ok {
		h = NewHistory(b.historyLimit)
		b.histories[rec.Session] = h
	}
	h.Append(rec)
	dropped := b.publishLocked(ChatEvent(rec))
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("observer buffer full, chat dropped",
			zap.String("session", rec.Session),
			zap.Int("observers", dropped),
		)
	}
}

// LoginRequired publishes a device-code login challenge.
func (b *Broadcaster) LoginRequired(p LoginPrompt) {
	b.Publish(LoginEvent(p))
}

// SetRunning replaces the cached running-session set and publishes it.
func (b *Broadcaster) SetRunning(names []string) {
	b.mu.Lock()
	b.running = cloneNames(names)
	dropped := b.publishLocked(RunningEvent(names))
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("observer buffer full, running set dropped", zap.Int("observers", dropped))
	}
}

// SetAccounts replaces the cached account list and publishes it.
func (b *Broadcaster) SetAccounts(names []string) {
	b.mu.Lock()
	b.accounts = cloneNames(names)
	dropped := b.publishLocked(AccountsEvent(names))
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("observer buffer full, accounts dropped", zap.Int("observers", dropped))
	}
}

// ClearHistory discards the chat history for identity.
func (b *Broadcaster) ClearHistory(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.histories, identity)
}

// History returns a copy of identity's buffered chat records, oldest first.
func (b *Broadcaster) History(identity string) []ChatRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.histories[identity]
	if !ok {
		return nil
	}
	return h.Records()
}

// Subscribe registers a new observer. The returned Subscription's Replay
// holds a snapshot taken atomically with registration, so no event is both
// replayed and delivered live, and none published after the snapshot is lost.
//
// Postcondition: Returns a live Subscription; callers must Unsubscribe it.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := []Event{RunningEvent(b.running)}

	identities := make([]string, 0, len(b.histories))
	for id, h := range b.histories {
		if h.Len() > 0 {
			identities = append(identities, id)
		}
	}
	sort.Strings(identities)
	for _, id := range identities {
		for _, rec := range b.histories[id].Records() {
			replay = append(replay, ChatEvent(rec))
		}
	}

	replay = append(replay, AccountsEvent(b.accounts))

	sub := newSubscription(b.bufferSize, replay)
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its event channel. Idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of connected observers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
