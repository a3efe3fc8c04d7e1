package chat

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Directory is the signed-in user's conversation list with last-message
// summaries and unread counters. Not safe for concurrent use.
type Directory struct {
	convs []models.Conversation

	// recent holds the last applied message ids per conversation so a
	// redelivered push does not count twice.
	recent map[string][]string
}

const recentMessageIDs = 64

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{}
}

func (d *Directory) indexOf(id string) int {
	return slices.IndexFunc(d.convs, func(c models.Conversation) bool { return c.ID == id })
}

// List returns a deep copy of the directory.
func (d *Directory) List() []models.Conversation {
	out := make([]models.Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = c.Clone()
	}

	return out
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	return len(d.convs)
}

// Get returns a copy of the conversation with id.
func (d *Directory) Get(id string) (models.Conversation, bool) {
	i := d.indexOf(id)
	if i < 0 {
		return models.Conversation{}, false
	}

	return d.convs[i].Clone(), true
}

// Replace swaps the whole directory for convs.
func (d *Directory) Replace(convs []models.Conversation) {
	d.convs = make([]models.Conversation, len(convs))
	for i, c := range convs {
		d.convs[i] = c.Clone()
	}
}

// ReplaceIfChanged replaces the directory only when convs differs from
// the current content, compared on the wire representation.
func (d *Directory) ReplaceIfChanged(convs []models.Conversation) bool {
	if sameJSON(d.convs, convs) {
		return false
	}

	d.Replace(convs)

	return true
}

func sameJSON(a, b []models.Conversation) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)

	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(ja, jb)
}

// ApplyNewMessage updates the summary of msg's conversation. The unread
// counter of viewerID goes up by one unless the viewer sent the message.
// A message id seen before is ignored. It returns false when the
// conversation is not in the directory; the caller should then refetch
// rather than synthesize an entry.
func (d *Directory) ApplyNewMessage(msg models.Message, viewerID string) bool {
	i := d.indexOf(msg.ConversationID)
	if i < 0 {
		return false
	}

	if !d.remember(msg.ConversationID, msg.ID) {
		return true
	}

	c := &d.convs[i]
	c.LastMessage = &models.LastMessage{
		Content:   msg.Content,
		Sender:    msg.Sender,
		Timestamp: msg.CreatedAt,
	}

	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}

	if string(msg.Sender) == viewerID {
		c.UnreadCount[viewerID] = 0
	} else {
		c.UnreadCount[viewerID]++
	}

	return true
}

// remember records id as applied and reports whether it was new.
func (d *Directory) remember(conversationID, id string) bool {
	if id == "" {
		return true
	}

	if d.recent == nil {
		d.recent = make(map[string][]string)
	}

	ids := d.recent[conversationID]
	if slices.Contains(ids, id) {
		return false
	}

	if len(ids) == recentMessageIDs {
		ids = ids[1:]
	}

	d.recent[conversationID] = append(ids, id)

	return true
}

// SetLastMessage replaces the summary of a known conversation.
func (d *Directory) SetLastMessage(conversationID string, lm *models.LastMessage) bool {
	i := d.indexOf(conversationID)
	if i < 0 {
		return false
	}

	if lm != nil {
		cp := *lm
		lm = &cp
	}

	d.convs[i].LastMessage = lm

	return true
}

// ApplyCreated prepends conv unless a conversation with its id exists.
func (d *Directory) ApplyCreated(conv models.Conversation) bool {
	if d.indexOf(conv.ID) >= 0 {
		return false
	}

	d.convs = slices.Insert(d.convs, 0, conv.Clone())

	return true
}

// Remove deletes the conversation with id.
func (d *Directory) Remove(id string) bool {
	delete(d.recent, id)

	i := d.indexOf(id)
	if i < 0 {
		return false
	}

	d.convs = slices.Delete(d.convs, i, i+1)

	return true
}

// FindByParticipant returns the first conversation userID takes part in.
func (d *Directory) FindByParticipant(userID string) (models.Conversation, bool) {
	for _, c := range d.convs {
		if c.HasParticipant(userID) {
			return c.Clone(), true
		}
	}

	return models.Conversation{}, false
}

// ResetUnread zeroes the viewer's unread counter.
func (d *Directory) ResetUnread(conversationID, viewerID string) {
	i := d.indexOf(conversationID)
	if i < 0 {
		return
	}

	if d.convs[i].UnreadCount == nil {
		d.convs[i].UnreadCount = make(map[string]int)
	}

	d.convs[i].UnreadCount[viewerID] = 0
}

// Promote records that the provisional conversation provisional now has
// the durable id durableID. The provisional entry is dropped; if the
// durable conversation is not listed yet it takes the provisional
// entry's place at the top.
func (d *Directory) Promote(provisional models.Conversation, durableID string, lm *models.LastMessage) {
	d.Remove(provisional.ID)

	if d.indexOf(durableID) < 0 {
		promoted := provisional.Clone()
		promoted.ID = durableID
		d.convs = slices.Insert(d.convs, 0, promoted)
	}

	if lm != nil {
		d.SetLastMessage(durableID, lm)
	}
}
