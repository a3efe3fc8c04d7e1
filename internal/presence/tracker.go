// Package presence tracks which users are online and who is typing in
// which conversation. It only reflects pushed events; nothing here is
// inferred locally.
package presence

import (
	"slices"
	"sync"
)

// TypingEntry is one (user, conversation) pair currently typing.
type TypingEntry struct {
	UserID         string
	ConversationID string
}

// Tracker holds the presence set and typing state. It is safe for
// concurrent use; writes come from the sync loop and reads from anywhere.
//
// Typing entries have no expiry of their own. If a stop event is lost
// the entry stays until the same pair starts and stops again or the
// tracker is reset.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	typing map[TypingEntry]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		typing: make(map[TypingEntry]struct{}),
	}
}

// ApplySnapshot replaces the whole online set.
func (t *Tracker) ApplySnapshot(userIDs []string) {
	online := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		online[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

// ApplyStatus adds or removes one user. Adding a present id or removing
// an absent one is a no-op. It reports whether the set changed.
func (t *Tracker) ApplyStatus(userID string, online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, present := t.online[userID]
	if present == online {
		return false
	}

	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}

	return true
}

// IsOnline reports whether userID is in the online set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.online[userID]

	return ok
}

// Online returns the online user ids in sorted order.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))

	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	slices.Sort(ids)

	return ids
}

// SetTyping records or clears the typing state of one pair. A start for
// a pair that is already typing replaces the existing entry.
func (t *Tracker) SetTyping(userID, conversationID string, typing bool) {
	key := TypingEntry{UserID: userID, ConversationID: conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if typing {
		t.typing[key] = struct{}{}
	} else {
		delete(t.typing, key)
	}
}

// IsTyping reports whether userID is typing in conversationID.
func (t *Tracker) IsTyping(userID, conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.typing[TypingEntry{UserID: userID, ConversationID: conversationID}]

	return ok
}

// Typing returns the sorted ids of users typing in conversationID.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.RLock()
	var ids []string

	for e := range t.typing {
		if e.ConversationID == conversationID {
			ids = append(ids, e.UserID)
		}
	}
	t.mu.RUnlock()

	slices.Sort(ids)

	return ids
}

// Reset clears everything. Used on sign-out.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.typing = make(map[TypingEntry]struct{})
	t.mu.Unlock()
}
