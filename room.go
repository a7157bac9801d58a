package chatline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// MembershipService returns a room's current member snapshot. MembersClient
// is the production implementation.
type MembershipService interface {
	Fetch(ctx context.Context, roomID int64) ([]Member, error)
}

// HistoryService returns a room's message snapshot. MessagesClient is the
// production implementation.
type HistoryService interface {
	History(ctx context.Context, roomID int64, sinceUserID *int64) ([]Message, error)
}

// ============================================================================
// Room Session
// ============================================================================

// RoomConfig configures one RoomSession.
type RoomConfig struct {
	Presence    *PresenceConfig
	Session     *SessionConfig
	GraceWindow time.Duration
	Nickname    string
}

// RoomSession is the composition root for one joined room: it owns the
// session channel, the timeline, the read-cursor engine and the presence
// controller, and wires inbound frames into them. There is exactly one
// explicit session instance per opened room; nothing here is global.
type RoomSession struct {
	roomID   int64
	userID   int64
	nickname string
	logger   *zap.Logger

	channel    *SessionChannel
	timeline   *Timeline
	cursors    *ReadCursorEngine
	presence   *PresenceController
	membership MembershipService
	history    HistoryService

	mu       sync.Mutex
	view     []Message
	closed   bool
	onUpdate []func()
}

// OpenRoom opens a synchronized session for one room: it loads the member
// and message snapshots, starts presence tracking (which connects the
// channel and subscribes the room's topics) and returns the live session.
func (c *Client) OpenRoom(ctx context.Context, roomID, userID int64, config *RoomConfig) (*RoomSession, error) {
	cfg := RoomConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Presence == nil {
		cfg.Presence = &PresenceConfig{}
	}
	if cfg.Presence.Logger == nil {
		cfg.Presence.Logger = c.logger
	}

	rs := NewRoomSession(roomID, userID, c.Realtime.NewChannel(cfg.Session),
		c.Members, c.Messages, c.Members, c.ReadStatus, &cfg, c.logger)
	if err := rs.Open(ctx); err != nil {
		return nil, err
	}
	return rs, nil
}

// NewRoomSession assembles a session from explicit collaborators. Most
// callers want Client.OpenRoom; this constructor exists for composition with
// fakes and alternative transports.
func NewRoomSession(roomID, userID int64, channel *SessionChannel,
	membership MembershipService, history HistoryService,
	activity ActivityService, reader ReadMarker,
	config *RoomConfig, logger *zap.Logger) *RoomSession {

	cfg := RoomConfig{}
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rs := &RoomSession{
		roomID:     roomID,
		userID:     userID,
		nickname:   cfg.Nickname,
		logger:     logger,
		channel:    channel,
		timeline:   NewTimeline(userID, logger),
		cursors:    NewReadCursorEngine(logger),
		membership: membership,
		history:    history,
	}
	if cfg.GraceWindow > 0 {
		rs.timeline.SetGraceWindow(cfg.GraceWindow)
	}
	rs.timeline.OnMembershipChange(func() {
		go rs.refreshMembers(context.Background())
	})

	rs.presence = NewPresenceController(roomID, userID, activity, reader, cfg.Presence)
	rs.presence.OnActivate = rs.handleActivate
	rs.presence.OnDeactivate = func() {
		if err := rs.channel.Disconnect(); err != nil {
			logger.Debug("disconnect on deactivate", zap.Error(err))
		}
	}
	rs.channel.OnStateChange(func(st SessionState) {
		if st == StateFailed {
			// Reported upward only; reconnecting is the next activation's
			// job, never a tight loop here.
			logger.Warn("room session transport failed", zap.Int64("roomId", roomID))
		}
	})
	return rs
}

// Open loads the initial snapshots and performs the first activation.
func (rs *RoomSession) Open(ctx context.Context) error {
	if err := rs.refreshSnapshot(ctx); err != nil {
		return fmt.Errorf("load message snapshot: %w", err)
	}
	if err := rs.refreshMembers(ctx); err != nil {
		return fmt.Errorf("load member snapshot: %w", err)
	}
	rs.presence.Start(ctx)
	return nil
}

// ============================================================================
// Activation / reconnect
// ============================================================================

// handleActivate runs on every Active entry. The dial loop gets its own
// goroutine: backoff sleeps against an unreachable server must not block the
// activity signal that triggered the activation.
func (rs *RoomSession) handleActivate(reconnect bool) {
	go rs.connectAndSync(reconnect)
}

// connectAndSync dials with backoff and subscribes the room's topics. The
// first activation just connects; later ones additionally refresh both
// snapshots to cover events missed while disconnected.
func (rs *RoomSession) connectAndSync(reconnect bool) {
	ctx := context.Background()

	for {
		err := rs.channel.Connect(ctx)
		if err == nil {
			break
		}
		delay, ok := rs.channel.NextReconnectDelay()
		if !ok || rs.presence.Closed() || rs.presence.State() == PresenceInactive {
			rs.logger.Warn("room connect abandoned", zap.Int64("roomId", rs.roomID), zap.Error(err))
			return
		}
		rs.logger.Debug("room connect retry", zap.Duration("delay", delay), zap.Error(err))
		time.Sleep(delay)
	}
	rs.channel.ResetBackoff()

	// Teardown may have raced the dial; never resurrect a closed session.
	if rs.presence.Closed() {
		rs.channel.Disconnect()
		return
	}

	if err := rs.channel.Subscribe(ctx, RoomTopic(rs.roomID), rs.handleRoomFrame); err != nil {
		rs.logger.Warn("subscribe room topic", zap.Error(err))
	}
	if err := rs.channel.Subscribe(ctx, ReadStatusTopic(rs.roomID), rs.handleReceiptFrame); err != nil {
		rs.logger.Warn("subscribe read-status topic", zap.Error(err))
	}

	if reconnect {
		if err := rs.refreshSnapshot(ctx); err != nil {
			rs.logger.Warn("reconnect snapshot refresh", zap.Error(err))
		}
		if err := rs.refreshMembers(ctx); err != nil {
			rs.logger.Warn("reconnect member refresh", zap.Error(err))
		}
	}
}

// ============================================================================
// Inbound frames
// ============================================================================

func (rs *RoomSession) handleRoomFrame(f *Frame) {
	if f.Type != FrameMessage || f.Message == nil {
		return
	}
	switch rs.timeline.ApplyInbound(*f.Message) {
	case ApplyDuplicate:
		// Redelivery, already suppressed.
	case ApplyResyncNeeded:
		if err := rs.refreshSnapshot(context.Background()); err != nil {
			rs.logger.Warn("resync snapshot reload", zap.Error(err))
		}
	default:
		rs.refreshView()
	}
}

func (rs *RoomSession) handleReceiptFrame(f *Frame) {
	if f.Type != FrameReceipt || f.Receipt == nil {
		return
	}
	if rs.cursors.ApplyReadUpdate(f.Receipt.UserID, f.Receipt.LastReadMessageID) {
		rs.refreshView()
	}
}

// ============================================================================
// Outbound sends
// ============================================================================

// SendText publishes a text message. The message appears in the timeline
// immediately as a provisional entry and is replaced in place when the
// server-confirmed copy arrives on the room topic. When the publish fails the
// provisional entry is removed and the failure surfaced for a user-visible
// retry/discard decision; nothing is queued across a disconnect.
func (rs *RoomSession) SendText(ctx context.Context, content string) (string, error) {
	return rs.send(ctx, content, KindText)
}

// SendSticker publishes a sticker reference with the same optimistic
// lifecycle as SendText.
func (rs *RoomSession) SendSticker(ctx context.Context, sticker string) (string, error) {
	return rs.send(ctx, sticker, KindSticker)
}

func (rs *RoomSession) send(ctx context.Context, content string, kind MessageKind) (string, error) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return "", ErrClosed
	}
	rs.mu.Unlock()

	token := rs.timeline.InsertOptimistic(Message{
		ChatRoomID:     rs.roomID,
		Content:        content,
		Kind:           kind,
		SenderNickname: rs.nickname,
	})
	rs.refreshView()

	err := rs.channel.Publish(ctx, DestSend, SendFrame{
		ChatRoomID: rs.roomID,
		SenderID:   rs.userID,
		Content:    content,
		Kind:       kind,
	})
	if err != nil {
		rs.timeline.RemoveOptimistic(token)
		rs.refreshView()
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return token, nil
}

// NotifyJoined announces the local user on the room's system destination.
func (rs *RoomSession) NotifyJoined(ctx context.Context) error {
	return rs.channel.Publish(ctx, DestJoin, SendFrame{
		ChatRoomID: rs.roomID,
		SenderID:   rs.userID,
		Content:    rs.nickname + " joined",
		Kind:       KindSystem,
	})
}

// ============================================================================
// Snapshots and derived views
// ============================================================================

func (rs *RoomSession) refreshSnapshot(ctx context.Context) error {
	since := rs.userID
	msgs, err := rs.history.History(ctx, rs.roomID, &since)
	if err != nil {
		return err
	}
	rs.timeline.LoadSnapshot(msgs)
	rs.refreshView()
	return nil
}

func (rs *RoomSession) refreshMembers(ctx context.Context) error {
	members, err := rs.membership.Fetch(ctx, rs.roomID)
	if err != nil {
		return err
	}
	if rs.cursors.SetMembers(members) {
		rs.refreshView()
	}
	return nil
}

// refreshView recomputes the derived message view (unread counts included)
// and notifies observers. It runs only on actual state change, never per
// read. Compute and swap happen under one critical section so concurrent
// refreshes (stream handler vs membership refresh) can never publish an
// older view last.
func (rs *RoomSession) refreshView() {
	rs.mu.Lock()
	rs.view = rs.cursors.RecomputeUnread(rs.timeline.Messages())
	observers := append([]func(){}, rs.onUpdate...)
	rs.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// OnUpdate registers an observer invoked after every view change.
func (rs *RoomSession) OnUpdate(fn func()) {
	rs.mu.Lock()
	rs.onUpdate = append(rs.onUpdate, fn)
	rs.mu.Unlock()
}

// Messages returns the current derived view in timeline order.
func (rs *RoomSession) Messages() []Message {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]Message(nil), rs.view...)
}

// Members returns the current member set.
func (rs *RoomSession) Members() []Member {
	return rs.cursors.Members()
}

// Search runs a keyword/sender query over the current view.
func (rs *RoomSession) Search(query SearchQuery) []int64 {
	return query.Run(rs.Messages())
}

// DateIndex returns the jump-to-date anchors for the current view.
func (rs *RoomSession) DateIndex() map[string]int64 {
	return BuildDateIndex(rs.Messages())
}

// Presence exposes the presence controller for activity signal wiring.
func (rs *RoomSession) Presence() *PresenceController {
	return rs.presence
}

// Channel exposes the underlying session channel.
func (rs *RoomSession) Channel() *SessionChannel {
	return rs.channel
}

// Close tears the session down: topics are unsubscribed and timers cancelled
// within the same tick, then the Inactive-entry side effects run exactly
// once, regardless of which event triggered teardown. Close is idempotent.
func (rs *RoomSession) Close() {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.closed = true
	rs.mu.Unlock()

	ctx := context.Background()
	rs.channel.Unsubscribe(ctx, RoomTopic(rs.roomID))
	rs.channel.Unsubscribe(ctx, ReadStatusTopic(rs.roomID))
	rs.presence.Close()
}
