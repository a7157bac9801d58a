package chatline

import (
	"strings"
)

// ============================================================================
// Search Index
// ============================================================================

// SearchQuery is a keyword and/or sender filter over a room's messages. When
// both are supplied the result is their intersection. SYSTEM messages and
// senderless messages never match.
type SearchQuery struct {
	Keyword  string
	SenderID *int64
}

// Run returns the ids of matching messages, preserving timeline order.
// Results are recomputed from scratch on every call; the index holds no state
// between runs, so it can never drift from the collection it derives from.
func (q SearchQuery) Run(msgs []Message) []int64 {
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))
	var ids []int64
	for i := range msgs {
		m := &msgs[i]
		if !searchable(m) {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(m.Content), keyword) {
			continue
		}
		if q.SenderID != nil && *m.SenderID != *q.SenderID {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// SearchMessages is keyword-only search: case-insensitive substring match
// over message bodies.
func SearchMessages(msgs []Message, keyword string) []int64 {
	return SearchQuery{Keyword: keyword}.Run(msgs)
}

// FilterBySender returns the ids of all searchable messages from one sender.
func FilterBySender(msgs []Message, senderID int64) []int64 {
	return SearchQuery{SenderID: &senderID}.Run(msgs)
}

// BuildDateIndex maps each local calendar day to the id of the first
// qualifying message sent that day, for jump-to-date navigation. The index is
// independent of any active keyword or sender filter.
func BuildDateIndex(msgs []Message) map[string]int64 {
	index := make(map[string]int64)
	for i := range msgs {
		m := &msgs[i]
		if !searchable(m) {
			continue
		}
		key := m.SentAt.Local().Format("2006-01-02")
		if _, ok := index[key]; !ok {
			index[key] = m.ID
		}
	}
	return index
}

func searchable(m *Message) bool {
	return !m.System() && !m.Provisional()
}
