// Package unread keeps per-conversation unread counters on the client side.
package unread

import (
	"sync"

	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
)

// Key names a conversation from the viewer's side: the peer's identity for a
// pair conversation, or "#<room>" for a room.
func Key(m model.Message, me identity.ID) string {
	if m.IsRoom() {
		return "#" + m.RoomID
	}
	if m.Sender == me {
		return string(m.Receiver)
	}
	return string(m.Sender)
}

// Tracker counts incoming messages per conversation, except for the one
// currently open.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
	active string
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Observe counts m as unread for me. Own messages and messages in the open
// conversation are not counted. It returns the conversation key for m.
func (t *Tracker) Observe(m model.Message, me identity.ID) string {
	key := Key(m, me)

	t.mu.Lock()
	defer t.mu.Unlock()
	if m.Sender != me && key != t.active {
		t.counts[key]++
	}
	return key
}

// Open makes key the active conversation and clears its counter.
func (t *Tracker) Open(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = key
	delete(t.counts, key)
}

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

// Counts returns a copy of every non-zero counter.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
