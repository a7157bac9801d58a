package chatline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeMembership struct {
	mu      sync.Mutex
	members []Member
	fetches int
}

func (f *fakeMembership) Fetch(ctx context.Context, roomID int64) ([]Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return append([]Member(nil), f.members...), nil
}

type fakeHistory struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *fakeHistory) History(ctx context.Context, roomID int64, sinceUserID *int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...), nil
}

// roomPresenceConfig keeps the session active for the whole test; presence
// timer behavior has its own tests.
func roomPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		IdleTimeout:       time.Minute,
		BlurGrace:         time.Minute,
		HeartbeatInterval: time.Minute,
	}
}

// openTestRoom wires a RoomSession for user 1 in room 1 against the in-process
// chat server, with two other members and one message of history.
func openTestRoom(t *testing.T, cs *chatServer) (*RoomSession, *fakeMembership, *fakeHistory) {
	t.Helper()

	sender := int64(2)
	history := &fakeHistory{msgs: []Message{
		{ID: 1, ChatRoomID: 1, SenderID: &sender, SenderNickname: "bob", Content: "hello", Kind: KindText, SentAt: time.Now().Add(-time.Minute)},
	}}
	membership := &fakeMembership{members: []Member{
		member(1, "alice", true, nil),
		member(2, "bob", true, cursorAt(1)),
		member(3, "carol", true, nil),
	}}

	channel := NewSessionChannel(cs.url(), &SessionConfig{
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	rs := NewRoomSession(1, 1, channel, membership, history, &fakeActivity{}, &fakeReader{},
		&RoomConfig{Nickname: "alice", Presence: roomPresenceConfig()}, nil)
	if err := rs.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(rs.Close)

	// Open subscribes the message and read-status topics.
	for i := 0; i < 2; i++ {
		if cmd := cs.nextCommand(t); cmd.Type != "SUBSCRIBE" {
			t.Fatalf("expected SUBSCRIBE, got %+v", cmd)
		}
	}
	return rs, membership, history
}

func receiptEnvelope(t *testing.T, roomID int64, update ReadStatusUpdate) Envelope {
	t.Helper()
	payload, err := json.Marshal(update)
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	return Envelope{Type: FrameReceipt, Topic: ReadStatusTopic(roomID), Payload: payload}
}

// ============================================================================
// Live stream
// ============================================================================

func TestRoomSessionStreamsMessages(t *testing.T) {
	cs := newChatServer(t)
	rs, _, _ := openTestRoom(t, cs)

	if got := len(rs.Messages()); got != 1 {
		t.Fatalf("expected snapshot of 1 message, got %d", got)
	}

	sender := int64(2)
	cs.push(t, messageEnvelope(t, RoomTopic(1), Message{
		ID: 2, ChatRoomID: 1, SenderID: &sender, SenderNickname: "bob",
		Content: "are you there?", Kind: KindText, SentAt: time.Now(),
	}))

	waitFor(t, 2*time.Second, func() bool { return len(rs.Messages()) == 2 })

	msgs := rs.Messages()
	if msgs[1].ID != 2 {
		t.Fatalf("unexpected timeline: %+v", msgs)
	}
	// Alice (self) and carol have no cursor yet; bob is the sender.
	if msgs[1].UnreadCount != 2 {
		t.Fatalf("expected 2 unread viewers, got %d", msgs[1].UnreadCount)
	}

	t.Run("redelivery is suppressed", func(t *testing.T) {
		cs.push(t, messageEnvelope(t, RoomTopic(1), Message{
			ID: 2, ChatRoomID: 1, SenderID: &sender, Content: "are you there?", Kind: KindText, SentAt: time.Now(),
		}))
		time.Sleep(100 * time.Millisecond)
		if got := len(rs.Messages()); got != 2 {
			t.Fatalf("duplicate delivery changed the timeline: %d", got)
		}
	})
}

func TestRoomSessionReceipts(t *testing.T) {
	cs := newChatServer(t)
	rs, _, _ := openTestRoom(t, cs)

	sender := int64(2)
	cs.push(t, messageEnvelope(t, RoomTopic(1), Message{
		ID: 2, ChatRoomID: 1, SenderID: &sender, Content: "news", Kind: KindText, SentAt: time.Now(),
	}))
	waitFor(t, 2*time.Second, func() bool { return len(rs.Messages()) == 2 })

	// Carol reads up to message 2; only alice remains behind.
	cs.push(t, receiptEnvelope(t, 1, ReadStatusUpdate{ChatRoomID: 1, UserID: 3, UserNickname: "carol", LastReadMessageID: 2}))
	waitFor(t, 2*time.Second, func() bool {
		msgs := rs.Messages()
		return len(msgs) == 2 && msgs[1].UnreadCount == 1
	})

	t.Run("stale receipt changes nothing", func(t *testing.T) {
		cs.push(t, receiptEnvelope(t, 1, ReadStatusUpdate{ChatRoomID: 1, UserID: 3, LastReadMessageID: 1}))
		time.Sleep(100 * time.Millisecond)
		if msgs := rs.Messages(); msgs[1].UnreadCount != 1 {
			t.Fatalf("stale receipt moved a cursor: %+v", msgs[1])
		}
	})
}

// ============================================================================
// Send lifecycle
// ============================================================================

func TestRoomSessionSendLifecycle(t *testing.T) {
	cs := newChatServer(t)
	rs, _, _ := openTestRoom(t, cs)
	ctx := context.Background()

	token, err := rs.SendText(ctx, "hi all")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a provisional token")
	}

	msgs := rs.Messages()
	if len(msgs) != 2 || !msgs[1].Provisional() {
		t.Fatalf("expected a provisional tail entry: %+v", msgs)
	}

	if cmd := cs.nextCommand(t); cmd.Type != "SEND" || cmd.Destination != DestSend {
		t.Fatalf("unexpected wire command: %+v", cmd)
	}

	// The server echoes the confirmed copy back on the room topic.
	self := int64(1)
	cs.push(t, messageEnvelope(t, RoomTopic(1), Message{
		ID: 2, ChatRoomID: 1, SenderID: &self, SenderNickname: "alice",
		Content: "hi all", Kind: KindText, SentAt: time.Now(),
	}))

	waitFor(t, 2*time.Second, func() bool {
		msgs := rs.Messages()
		return len(msgs) == 2 && !msgs[1].Provisional() && msgs[1].ID == 2
	})
}

func TestRoomSessionSendFailure(t *testing.T) {
	sender := int64(2)
	history := &fakeHistory{msgs: []Message{
		{ID: 1, ChatRoomID: 1, SenderID: &sender, Content: "hello", Kind: KindText, SentAt: time.Now()},
	}}
	membership := &fakeMembership{members: []Member{member(1, "alice", true, nil)}}

	// Nothing listens here; activation burns its connect budget and gives up.
	channel := NewSessionChannel("ws://127.0.0.1:1/ws", &SessionConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	rs := NewRoomSession(1, 1, channel, membership, history, &fakeActivity{}, &fakeReader{},
		&RoomConfig{Nickname: "alice", Presence: roomPresenceConfig()}, nil)
	if err := rs.Open(context.Background()); err != nil {
		t.Fatalf("open must survive an unreachable stream endpoint: %v", err)
	}
	defer rs.Close()

	_, err := rs.SendText(context.Background(), "doomed")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("failure cause must be preserved, got %v", err)
	}

	// The provisional entry must not linger after the failed send.
	for _, m := range rs.Messages() {
		if m.Provisional() {
			t.Fatalf("provisional entry left behind: %+v", m)
		}
	}
}

func TestRoomSessionOpenDoesNotBlockOnDial(t *testing.T) {
	sender := int64(2)
	history := &fakeHistory{msgs: []Message{
		{ID: 1, ChatRoomID: 1, SenderID: &sender, Content: "hello", Kind: KindText, SentAt: time.Now()},
	}}
	membership := &fakeMembership{members: []Member{member(1, "alice", true, nil)}}

	// Enough backoff budget that a synchronous dial loop would stall for
	// seconds; Open must hand the redial off and return promptly.
	channel := NewSessionChannel("ws://127.0.0.1:1/ws", &SessionConfig{
		ReconnectBaseDelay:   300 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 10,
	})
	rs := NewRoomSession(1, 1, channel, membership, history, &fakeActivity{}, &fakeReader{},
		&RoomConfig{Nickname: "alice", Presence: roomPresenceConfig()}, nil)

	start := time.Now()
	if err := rs.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer rs.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open blocked on the dial loop for %v", elapsed)
	}
}

// ============================================================================
// View consistency
// ============================================================================

func TestRoomViewConcurrentRefresh(t *testing.T) {
	cs := newChatServer(t)
	rs, membership, _ := openTestRoom(t, cs)

	// Hammer membership refreshes (flipping bob's active flag) while the
	// stream delivers messages; the published view must always end on the
	// final engine state, never an older recompute.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		active := false
		for {
			select {
			case <-stop:
				return
			default:
			}
			membership.mu.Lock()
			membership.members[1].Active = active
			membership.mu.Unlock()
			active = !active
			rs.refreshMembers(context.Background())
		}
	}()

	sender := int64(2)
	for i := int64(2); i <= 25; i++ {
		cs.push(t, messageEnvelope(t, RoomTopic(1), Message{
			ID: i, ChatRoomID: 1, SenderID: &sender, Content: "tick", Kind: KindText, SentAt: time.Now(),
		}))
	}
	close(stop)
	wg.Wait()

	membership.mu.Lock()
	membership.members[1].Active = true
	membership.mu.Unlock()
	if err := rs.refreshMembers(context.Background()); err != nil {
		t.Fatalf("final member refresh failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rs.Messages()) == 25 })

	want := rs.cursors.RecomputeUnread(rs.timeline.Messages())
	got := rs.Messages()
	if len(got) != len(want) {
		t.Fatalf("view length %d, engine state %d", len(got), len(want))
	}
	for i := range want {
		if got[i].UnreadCount != want[i].UnreadCount {
			t.Fatalf("message %d: view unread %d, engine state %d",
				got[i].ID, got[i].UnreadCount, want[i].UnreadCount)
		}
	}
}

// ============================================================================
// Membership refresh
// ============================================================================

func TestRoomSessionMembershipRefresh(t *testing.T) {
	cs := newChatServer(t)
	rs, membership, _ := openTestRoom(t, cs)

	membership.mu.Lock()
	membership.members = append(membership.members, member(4, "dana", true, nil))
	before := membership.fetches
	membership.mu.Unlock()

	cs.push(t, Envelope{
		Type:    FrameMessage,
		Topic:   RoomTopic(1),
		Payload: json.RawMessage(`{"id":5,"chatRoomId":1,"senderId":null,"content":"dana joined","type":"SYSTEM","sentAt":"2026-08-29T12:00:00Z"}`),
	})

	waitFor(t, 2*time.Second, func() bool {
		membership.mu.Lock()
		defer membership.mu.Unlock()
		return membership.fetches > before
	})
	waitFor(t, 2*time.Second, func() bool { return len(rs.Members()) == 4 })
}

// ============================================================================
// Teardown
// ============================================================================

func TestRoomSessionClose(t *testing.T) {
	cs := newChatServer(t)
	rs, _, _ := openTestRoom(t, cs)

	rs.Close()
	rs.Close()

	if _, err := rs.SendText(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if rs.Channel().State() == StateConnected {
		t.Fatal("close must disconnect the channel")
	}
}
