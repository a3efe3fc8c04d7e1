package chat

import (
	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Store holds one Log per conversation and reconciles optimistic entries
// with their server-confirmed counterparts. It is not safe for concurrent
// use; the engine confines it to its event loop.
type Store struct {
	logs map[string]*Log

	// moved maps a re-keyed provisional id to the id its log lives under.
	moved map[string]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		logs:  make(map[string]*Log),
		moved: make(map[string]string),
	}
}

// Resolve returns the id a conversation's log is held under, following
// any re-key from a provisional id.
func (s *Store) Resolve(conversationID string) string {
	for range len(s.moved) {
		next, ok := s.moved[conversationID]
		if !ok {
			break
		}

		conversationID = next
	}

	return conversationID
}

func (s *Store) log(conversationID string) *Log {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &Log{}
		s.logs[conversationID] = l
	}

	return l
}

// Has reports whether a log exists for the conversation.
func (s *Store) Has(conversationID string) bool {
	_, ok := s.logs[conversationID]
	return ok
}

// Len returns the number of messages held for the conversation.
func (s *Store) Len(conversationID string) int {
	if l, ok := s.logs[conversationID]; ok {
		return l.Len()
	}

	return 0
}

// Messages returns a copy of the conversation's log.
func (s *Store) Messages(conversationID string) []models.Message {
	if l, ok := s.logs[conversationID]; ok {
		return l.Messages()
	}

	return nil
}

// Merge unions msgs into the conversation's log by message id.
func (s *Store) Merge(conversationID string, msgs []models.Message) int {
	return s.log(conversationID).Merge(msgs)
}

// Prepend merges an older page of history.
func (s *Store) Prepend(conversationID string, msgs []models.Message) int {
	return s.log(conversationID).Prepend(msgs)
}

// AddOptimistic appends a not yet confirmed message.
func (s *Store) AddOptimistic(msg models.Message) {
	s.log(msg.ConversationID).Append(msg)
}

// Confirm replaces the optimistic entry tempID with the durable message,
// in place. If the optimistic entry is already gone the confirmed
// message is merged like any other.
func (s *Store) Confirm(conversationID, tempID string, confirmed models.Message) {
	conversationID = s.Resolve(conversationID)
	confirmed.ConversationID = conversationID

	l := s.log(conversationID)
	if l.Replace(tempID, confirmed) {
		return
	}

	l.Merge([]models.Message{confirmed})
}

// Discard removes an optimistic entry after its durable write failed.
// The entry is found even if its conversation was re-keyed meanwhile.
func (s *Store) Discard(conversationID, tempID string) bool {
	l, ok := s.logs[s.Resolve(conversationID)]
	if !ok {
		return false
	}

	return l.Remove(tempID)
}

// ApplyInbound applies a pushed message to its conversation's log and
// reports whether the log grew.
//
// A push can race the REST confirmation of the viewer's own send. When
// the server echoes the optimistic id the entry is swapped directly.
// Otherwise an optimistic entry with the same sender and content is
// taken to be the same message and the push is dropped; the REST
// confirmation swaps the identity later.
func (s *Store) ApplyInbound(msg models.Message, tempID string) bool {
	l := s.log(msg.ConversationID)

	if l.Contains(msg.ID) {
		l.Merge([]models.Message{msg})
		return false
	}

	if tempID != "" && l.Replace(tempID, msg) {
		return false
	}

	content := norm.NFC.String(msg.Content)

	match := l.FindOptimistic(func(m models.Message) bool {
		return m.Sender == msg.Sender && norm.NFC.String(m.Content) == content
	})
	if match != "" {
		return false
	}

	return l.Merge([]models.Message{msg}) > 0
}

// MarkAllRead flips every unread message not sent by viewerID to read and
// returns the ids that changed.
func (s *Store) MarkAllRead(conversationID, viewerID string) []string {
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}

	return l.MarkRead(func(m models.Message) bool {
		return string(m.Sender) != viewerID
	})
}

// ApplyReadUpdate flips the named messages to read regardless of sender.
func (s *Store) ApplyReadUpdate(conversationID string, ids []string) int {
	l, ok := s.logs[conversationID]
	if !ok {
		return 0
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	return len(l.MarkRead(func(m models.Message) bool {
		_, ok := want[m.ID]
		return ok
	}))
}

// Rekey moves a provisional conversation's log to its durable id. Any
// messages already held under newID are merged with it.
func (s *Store) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}

	s.moved[oldID] = newID

	l, ok := s.logs[oldID]
	if !ok {
		return
	}

	delete(s.logs, oldID)
	l.SetConversation(newID)

	if existing, ok := s.logs[newID]; ok {
		existing.Merge(l.msgs)
		return
	}

	s.logs[newID] = l
}

// Drop forgets the conversation's log.
func (s *Store) Drop(conversationID string) {
	delete(s.logs, conversationID)

	for from, to := range s.moved {
		if to == conversationID {
			delete(s.moved, from)
		}
	}
}
