package chatline

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Read Cursor Engine
// ============================================================================

// ReadCursorEngine owns the per-member last-read pointers for one chat room
// and derives per-message unread-viewer counts from them. It holds a read-only
// view of the message collection; it never mutates the timeline.
type ReadCursorEngine struct {
	mu      sync.Mutex
	members map[int64]*Member
	logger  *zap.Logger
}

// NewReadCursorEngine creates an engine with an empty member set.
func NewReadCursorEngine(logger *zap.Logger) *ReadCursorEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadCursorEngine{
		members: make(map[int64]*Member),
		logger:  logger,
	}
}

// SetMembers replaces the member set. It returns true when the set actually
// changed; callers use this to skip redundant unread recomputation when the
// membership collaborator hands back an identical refresh.
func (e *ReadCursorEngine) SetMembers(members []Member) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sameMembersLocked(members) {
		return false
	}
	e.members = make(map[int64]*Member, len(members))
	for i := range members {
		m := members[i]
		e.members[m.UserID] = &m
	}
	return true
}

func (e *ReadCursorEngine) sameMembersLocked(members []Member) bool {
	if len(members) != len(e.members) {
		return false
	}
	for i := range members {
		cur, ok := e.members[members[i].UserID]
		if !ok || cur.Active != members[i].Active {
			return false
		}
		a, b := cur.LastReadMessageID, members[i].LastReadMessageID
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	return true
}

// ApplyReadUpdate advances one member's cursor. It is a no-op when the new
// value equals the stored one (bursty read-receipt traffic must not trigger
// recomputation storms) and a stale update that would regress the cursor is
// ignored; cursors only move forward without an authoritative reset via
// SetMembers. Returns true when the cursor actually moved.
func (e *ReadCursorEngine) ApplyReadUpdate(userID, lastReadMessageID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.members[userID]
	if !ok {
		e.logger.Debug("read update for unknown member ignored", zap.Int64("userId", userID))
		return false
	}
	if m.LastReadMessageID != nil {
		if *m.LastReadMessageID == lastReadMessageID {
			return false
		}
		if *m.LastReadMessageID > lastReadMessageID {
			e.logger.Debug("stale read update ignored",
				zap.Int64("userId", userID),
				zap.Int64("cursor", *m.LastReadMessageID),
				zap.Int64("stale", lastReadMessageID))
			return false
		}
	}
	cursor := lastReadMessageID
	m.LastReadMessageID = &cursor
	return true
}

// SetMemberActive flips one member's presence flag in place. Returns false
// when the member is unknown or the flag already has the given value.
func (e *ReadCursorEngine) SetMemberActive(userID int64, active bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.members[userID]
	if !ok || m.Active == active {
		return false
	}
	m.Active = active
	return true
}

// Cursor returns a member's last-read pointer, nil when the member has read
// nothing or is unknown.
func (e *ReadCursorEngine) Cursor(userID int64) *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.members[userID]
	if !ok || m.LastReadMessageID == nil {
		return nil
	}
	cursor := *m.LastReadMessageID
	return &cursor
}

// Members returns a copy of the member set ordered by user id.
func (e *ReadCursorEngine) Members() []Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Member, 0, len(e.members))
	for _, m := range e.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RecomputeUnread fills in UnreadCount for every non-system, sender-bearing
// message: the count of active members who are not the sender and whose
// cursor is nil or behind the message id. A member without a cursor has read
// nothing, so every prior message counts as unread for them.
//
// The scan is O(members × messages) on purpose; callers guard invocation with
// the change signals from ApplyReadUpdate and SetMembers rather than calling
// it on every read.
func (e *ReadCursorEngine) RecomputeUnread(msgs []Message) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range msgs {
		m := &msgs[i]
		if m.System() || m.Provisional() {
			m.UnreadCount = 0
			continue
		}
		count := 0
		for _, member := range e.members {
			if !member.Active || member.UserID == *m.SenderID {
				continue
			}
			if member.LastReadMessageID == nil || *member.LastReadMessageID < m.ID {
				count++
			}
		}
		m.UnreadCount = count
	}
	return msgs
}
