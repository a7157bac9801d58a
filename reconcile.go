package chatline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Timeline (message reconciliation)
// ============================================================================

// ApplyResult describes how an inbound message was reconciled.
type ApplyResult int

const (
	// ApplyAppended means the message was inserted in timestamp order.
	ApplyAppended ApplyResult = iota
	// ApplyReplaced means the message confirmed an outstanding provisional
	// entry and replaced it in place.
	ApplyReplaced
	// ApplyDuplicate means the message id was already present and the
	// delivery was suppressed.
	ApplyDuplicate
	// ApplyResyncNeeded means the message timestamp predates the current
	// tail by more than the grace window; the caller should reload a full
	// snapshot instead of trusting incremental merging.
	ApplyResyncNeeded
)

// DefaultGraceWindow is the clock-skew tolerance for inbound messages that
// sort before the current tail.
const DefaultGraceWindow = 30 * time.Second

// Timeline owns the ordered message collection for one chat room. It merges
// the REST snapshot, optimistic local writes and inbound realtime events into
// one consistent sequence: totally ordered by (sentAt, id), no duplicate
// confirmed ids, provisional entries replaced (never merged) on confirmation.
//
// All other components treat the collection as an immutable read; Messages
// returns a copy.
type Timeline struct {
	mu     sync.Mutex
	selfID int64
	msgs   []*Message
	ids    map[int64]struct{}
	grace  time.Duration
	logger *zap.Logger

	// onMembership is invoked after a membership-affecting SYSTEM message
	// (join/leave) is applied; membership itself is the membership
	// collaborator's to compute.
	onMembership func()
}

// NewTimeline creates an empty timeline for the local user selfID.
func NewTimeline(selfID int64, logger *zap.Logger) *Timeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timeline{
		selfID: selfID,
		ids:    make(map[int64]struct{}),
		grace:  DefaultGraceWindow,
		logger: logger,
	}
}

// SetGraceWindow overrides the clock-skew tolerance.
func (t *Timeline) SetGraceWindow(d time.Duration) {
	t.mu.Lock()
	t.grace = d
	t.mu.Unlock()
}

// OnMembershipChange registers the membership-refresh callback.
func (t *Timeline) OnMembershipChange(fn func()) {
	t.mu.Lock()
	t.onMembership = fn
	t.mu.Unlock()
}

// LoadSnapshot replaces the collection wholesale. Used on initial load and on
// forced reconnect resync; any surviving provisional messages are discarded.
func (t *Timeline) LoadSnapshot(msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.msgs = t.msgs[:0]
	t.ids = make(map[int64]struct{}, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if m.Provisional() {
			continue
		}
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.msgs = append(t.msgs, &m)
	}
	t.sortLocked()
}

// InsertOptimistic appends a provisional message and returns its token. The
// entry is shown immediately and replaced in place once the server-confirmed
// counterpart arrives.
func (t *Timeline) InsertOptimistic(m Message) string {
	m.ID = 0
	m.LocalID = uuid.NewString()
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	if m.SenderID == nil {
		sender := t.selfID
		m.SenderID = &sender
	}

	t.mu.Lock()
	t.msgs = append(t.msgs, &m)
	t.mu.Unlock()
	return m.LocalID
}

// RemoveOptimistic removes a provisional message outright, used when the send
// attempt itself fails. Removing an unknown token is a no-op.
func (t *Timeline) RemoveOptimistic(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.msgs {
		if m.LocalID == token && m.Provisional() {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyInbound merges one confirmed message from the realtime stream.
//
//  1. A message whose id is already present is a redelivery and is suppressed.
//  2. A message matching an outstanding provisional entry from this session
//     by (sender, kind, content) replaces it in place, preserving position.
//  3. Otherwise the message is inserted in (sentAt, id) order with a linear
//     tail-ward scan; realtime deliveries are expected to land at or near the
//     tail. A message older than the tail beyond the grace window signals
//     that incremental merging can no longer be trusted.
func (t *Timeline) ApplyInbound(m Message) ApplyResult {
	if m.Provisional() {
		// Confirmed messages only on the inbound path.
		t.logger.Warn("inbound message without id dropped")
		return ApplyDuplicate
	}

	t.mu.Lock()
	result := t.applyLocked(&m)
	membership := t.onMembership
	t.mu.Unlock()

	if result != ApplyDuplicate && m.System() && membership != nil {
		membership()
	}
	return result
}

func (t *Timeline) applyLocked(m *Message) ApplyResult {
	if _, dup := t.ids[m.ID]; dup {
		return ApplyDuplicate
	}

	// Match against outstanding provisional entries from this session.
	// (sender, kind, content) equality is ambiguous for rapid identical
	// sends; first match wins, as the wire carries nothing better to
	// disambiguate with.
	if m.SenderID != nil && *m.SenderID == t.selfID {
		for i, p := range t.msgs {
			if p.Provisional() && p.Kind == m.Kind && p.Content == m.Content {
				t.ids[m.ID] = struct{}{}
				t.msgs[i] = m
				return ApplyReplaced
			}
		}
	}

	if tail := t.lastConfirmedLocked(); tail != nil {
		if tail.SentAt.Sub(m.SentAt) > t.grace {
			t.logger.Warn("inbound message older than tail beyond grace window",
				zap.Int64("id", m.ID),
				zap.Time("sentAt", m.SentAt),
				zap.Time("tailSentAt", tail.SentAt))
			return ApplyResyncNeeded
		}
	}

	t.ids[m.ID] = struct{}{}
	// Tail-ward scan: find the last position whose message sorts before m.
	i := len(t.msgs)
	for i > 0 && m.Before(t.msgs[i-1]) && !t.msgs[i-1].Provisional() {
		i--
	}
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return ApplyAppended
}

func (t *Timeline) lastConfirmedLocked() *Message {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if !t.msgs[i].Provisional() {
			return t.msgs[i]
		}
	}
	return nil
}

// Messages returns a copy of the current collection in timeline order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages, provisional entries included.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Contains reports whether a confirmed message id is present.
func (t *Timeline) Contains(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// LastID returns the id of the newest confirmed message, or 0 when empty.
func (t *Timeline) LastID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tail := t.lastConfirmedLocked(); tail != nil {
		return tail.ID
	}
	return 0
}

// sortLocked restores (sentAt, id) order after a wholesale load. Incremental
// paths maintain order themselves.
func (t *Timeline) sortLocked() {
	sort.SliceStable(t.msgs, func(i, j int) bool { return t.msgs[i].Before(t.msgs[j]) })
}
