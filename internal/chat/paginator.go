package chat

import "math"

const (
	avgMessageHeight     = 80
	daySeparatorHeight   = 50
	messagesPerSeparator = 10
)

// pageState is the backward-pagination position of one conversation.
type pageState struct {
	cursor   *int64
	hasMore  bool
	inFlight bool
	gen      uint64
}

// PageTicket identifies one in-flight page load. It is handed back to
// Finish or Fail so a load started before the conversation was reset
// cannot move the new cursor.
type PageTicket struct {
	ConversationID string
	Before         int64
	gen            uint64
}

// Paginator tracks cursors and the one-load-at-a-time guard for every
// conversation. Not safe for concurrent use.
type Paginator struct {
	states map[string]*pageState
}

// NewPaginator returns an empty paginator.
func NewPaginator() *Paginator {
	return &Paginator{states: make(map[string]*pageState)}
}

// Reset records the cursor returned by the initial fetch of a
// conversation. Any load in flight for it becomes stale.
func (p *Paginator) Reset(conversationID string, next *int64, hasMore bool) {
	st, ok := p.states[conversationID]
	if !ok {
		st = &pageState{}
		p.states[conversationID] = st
	}

	st.cursor = next
	st.hasMore = hasMore
	st.inFlight = false
	st.gen++
}

// Begin starts a page load. It returns false when there is no cursor,
// the server said there is no more history, or a load is already in
// flight.
func (p *Paginator) Begin(conversationID string) (PageTicket, bool) {
	st, ok := p.states[conversationID]
	if !ok || st.cursor == nil || !st.hasMore || st.inFlight {
		return PageTicket{}, false
	}

	st.inFlight = true

	return PageTicket{ConversationID: conversationID, Before: *st.cursor, gen: st.gen}, true
}

// Finish records a successful page. It reports false when the ticket is
// stale, in which case the cursor is left alone.
func (p *Paginator) Finish(t PageTicket, next *int64, hasMore bool) bool {
	st, ok := p.states[t.ConversationID]
	if !ok || st.gen != t.gen {
		return false
	}

	st.inFlight = false
	st.cursor = next
	st.hasMore = hasMore

	return true
}

// Fail releases the guard after a failed load. The cursor and hasMore
// are kept so the caller can retry.
func (p *Paginator) Fail(t PageTicket) {
	st, ok := p.states[t.ConversationID]
	if !ok || st.gen != t.gen {
		return
	}

	st.inFlight = false
}

// HasMore reports whether older history is known to exist.
func (p *Paginator) HasMore(conversationID string) bool {
	st, ok := p.states[conversationID]
	return ok && st.hasMore
}

// Loading reports whether a page load is in flight.
func (p *Paginator) Loading(conversationID string) bool {
	st, ok := p.states[conversationID]
	return ok && st.inFlight
}

// Cursor returns the current cursor, nil when none is known.
func (p *Paginator) Cursor(conversationID string) *int64 {
	st, ok := p.states[conversationID]
	if !ok || st.cursor == nil {
		return nil
	}

	c := *st.cursor

	return &c
}

// Rekey moves a provisional conversation's state to its durable id.
func (p *Paginator) Rekey(oldID, newID string) {
	st, ok := p.states[oldID]
	if !ok || oldID == newID {
		return
	}

	delete(p.states, oldID)

	if _, exists := p.states[newID]; !exists {
		p.states[newID] = st
	}
}

// EstimateHeight is a rendering hint for keeping the scroll position
// stable after n older messages were prepended.
func EstimateHeight(n int) int {
	if n <= 0 {
		return 0
	}

	separators := int(math.Ceil(float64(n) / messagesPerSeparator))

	return avgMessageHeight*n + daySeparatorHeight*separators
}
