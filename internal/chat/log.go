package chat

import (
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Log is the ordered message list of one conversation. Every message id
// appears at most once. Messages with a valid creation time are kept in
// chronological order; messages whose timestamp could not be parsed are
// still kept, at the position they arrived in.
type Log struct {
	msgs []models.Message
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	return len(l.msgs)
}

// Messages returns a copy of the log.
func (l *Log) Messages() []models.Message {
	return slices.Clone(l.msgs)
}

func (l *Log) indexOf(id string) int {
	return slices.IndexFunc(l.msgs, func(m models.Message) bool { return m.ID == id })
}

// Contains reports whether a message with id is in the log.
func (l *Log) Contains(id string) bool {
	return l.indexOf(id) >= 0
}

// Merge inserts every message whose id is not yet known and returns how
// many were added. Known messages keep their position; a read flag set by
// the server is carried over since read state only moves one way.
func (l *Log) Merge(msgs []models.Message) int {
	added := 0

	for _, m := range msgs {
		if l.upsert(m) {
			added++
		}
	}

	return added
}

// Prepend merges an older page. When the whole page is older than the
// oldest loaded message it is placed in front as-is, keeping the server's
// order even for entries without a usable timestamp.
func (l *Log) Prepend(page []models.Message) int {
	fresh := make([]models.Message, 0, len(page))

	for _, m := range page {
		if i := l.indexOf(m.ID); i >= 0 {
			if m.Read {
				l.msgs[i].Read = true
			}

			continue
		}

		if slices.ContainsFunc(fresh, func(f models.Message) bool { return f.ID == m.ID }) {
			continue
		}

		fresh = append(fresh, m)
	}

	if len(fresh) == 0 {
		return 0
	}

	if l.olderThanLoaded(fresh) {
		l.msgs = append(fresh, l.msgs...)
		return len(fresh)
	}

	for _, m := range fresh {
		l.insert(m)
	}

	return len(fresh)
}

// olderThanLoaded reports whether no message in page is newer than the
// oldest valid timestamp already in the log.
func (l *Log) olderThanLoaded(page []models.Message) bool {
	var oldest models.Timestamp

	for _, m := range l.msgs {
		if m.CreatedAt.Valid() {
			oldest = m.CreatedAt
			break
		}
	}

	if !oldest.Valid() {
		return true
	}

	for _, m := range page {
		if m.CreatedAt.Valid() && oldest.Before(m.CreatedAt) {
			return false
		}
	}

	return true
}

// Append adds m at the end without ordering checks. Used for optimistic
// entries, which are always the newest thing the viewer has seen.
func (l *Log) Append(m models.Message) bool {
	if l.Contains(m.ID) {
		return false
	}

	l.msgs = append(l.msgs, m)

	return true
}

func (l *Log) upsert(m models.Message) bool {
	if i := l.indexOf(m.ID); i >= 0 {
		if m.Read {
			l.msgs[i].Read = true
		}

		return false
	}

	l.insert(m)

	return true
}

// insert places m after the last message that is not newer than it and
// after any undated messages that directly follow that one. Equal
// timestamps keep arrival order.
func (l *Log) insert(m models.Message) {
	if !m.CreatedAt.Valid() {
		l.msgs = append(l.msgs, m)
		return
	}

	pos := 0

	for i := len(l.msgs) - 1; i >= 0; i-- {
		cur := l.msgs[i].CreatedAt
		if cur.Valid() && !m.CreatedAt.Before(cur) {
			pos = i + 1
			break
		}
	}

	for pos < len(l.msgs) && !l.msgs[pos].CreatedAt.Valid() {
		pos++
	}

	l.msgs = slices.Insert(l.msgs, pos, m)
}

// Replace swaps the message with id for m, keeping its position. If m's
// id is already present elsewhere the old entry is dropped instead so the
// log never holds the same id twice. Reports whether id was found.
func (l *Log) Replace(id string, m models.Message) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}

	if j := l.indexOf(m.ID); j >= 0 && j != i {
		l.msgs = slices.Delete(l.msgs, i, i+1)
		return true
	}

	l.msgs[i] = m

	return true
}

// Remove deletes the message with id. Reports whether it was present.
func (l *Log) Remove(id string) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}

	l.msgs = slices.Delete(l.msgs, i, i+1)

	return true
}

// FindOptimistic returns the id of the first optimistic entry accepted by
// match, or "" when there is none.
func (l *Log) FindOptimistic(match func(models.Message) bool) string {
	for _, m := range l.msgs {
		if m.Optimistic() && match(m) {
			return m.ID
		}
	}

	return ""
}

// MarkRead flips messages accepted by want to read and returns their ids.
func (l *Log) MarkRead(want func(models.Message) bool) []string {
	var ids []string

	for i := range l.msgs {
		if l.msgs[i].Read || !want(l.msgs[i]) {
			continue
		}

		l.msgs[i].Read = true
		ids = append(ids, l.msgs[i].ID)
	}

	return ids
}

// SetConversation rewrites the owning conversation id of every message.
func (l *Log) SetConversation(id string) {
	for i := range l.msgs {
		l.msgs[i].ConversationID = id
	}
}
