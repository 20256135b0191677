package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultTypingTTL = 3 * time.Second

type typingEntry struct {
	at    time.Time
	timer clockwork.Timer
}

// Typing tracks who is typing in each conversation. An entry expires ttl after its
// last refresh; queries compare against the clock so a late timer never extends it.
type Typing struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]map[string]*typingEntry
}

func NewTyping(clock clockwork.Clock, ttl time.Duration) *Typing {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Typing{clock: clock, ttl: ttl, entries: make(map[string]map[string]*typingEntry)}
}

// Touch records that userID is typing now, restarting its expiry timer.
func (t *Typing) Touch(conversationID, userID string) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.entries[conversationID]
	if !ok {
		users = make(map[string]*typingEntry)
		t.entries[conversationID] = users
	}
	if prev, ok := users[userID]; ok {
		prev.timer.Stop()
	}
	e := &typingEntry{at: now}
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(conversationID, userID, e) })
	users[userID] = e
}

func (t *Typing) expire(conversationID, userID string, e *typingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.entries[conversationID]
	if users[userID] != e {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
}

// TypingUsers returns the sorted ids of users typing in the conversation.
func (t *Typing) TypingUsers(conversationID string) []string {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for userID, e := range t.entries[conversationID] {
		if now.Sub(e.at) < t.ttl {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Typing) IsTyping(conversationID string) bool {
	return len(t.TypingUsers(conversationID)) > 0
}

func (t *Typing) Clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[conversationID] {
		e.timer.Stop()
	}
	delete(t.entries, conversationID)
}

// Close stops all timers and forgets every entry.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.entries {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.entries = make(map[string]map[string]*typingEntry)
}
