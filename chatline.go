// Package chatline is a Go client for the chatline multi-room chat service.
//
// The package splits into the REST collaborator clients (rooms, messages,
// members, read status, users) and the realtime synchronization core: a
// SessionChannel over one duplex websocket, a Timeline reconciling snapshots
// with streamed events, a ReadCursorEngine deriving unread counts, and a
// PresenceController driving connection liveness from activity signals.
// RoomSession composes them for one joined room.
//
// Example:
//
//	client := chatline.NewClient("https://chat.example.com")
//
//	rooms, _ := client.Rooms.List(ctx, userID)
//	room, _ := client.OpenRoom(ctx, rooms[0].ID, userID, nil)
//	defer room.Close()
//
//	room.SendText(ctx, "hello!")
package chatline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the chatline API client. Sub-clients expose one collaborator
// service each.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	Users      *UsersClient
	Rooms      *RoomsClient
	Members    *MembersClient
	Messages   *MessagesClient
	ReadStatus *ReadStatusClient
	Realtime   *RealtimeClient
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithLogger attaches a zap logger. The client is silent by default.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a chatline client for the given server base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Users = &UsersClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	c.Members = &MembersClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.ReadStatus = &ReadStatusClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ============================================================================
// Users
// ============================================================================

// UsersClient handles chat identities. Persisting the logged-in identity is
// the caller's concern; the SDK only creates and reads users.
type UsersClient struct{ c *Client }

func (u *UsersClient) Create(ctx context.Context, nickname string) (*User, error) {
	data, err := u.c.doRequest(ctx, "POST", "/api/users", map[string]string{"nickname": nickname}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

func (u *UsersClient) Get(ctx context.Context, id int64) (*User, error) {
	data, err := u.c.doRequest(ctx, "GET", "/api/users/"+formatID(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

func (u *UsersClient) GetByNickname(ctx context.Context, nickname string) (*User, error) {
	data, err := u.c.doRequest(ctx, "GET", "/api/users/nickname/"+url.PathEscape(nickname), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// CheckNickname reports whether a nickname is still available.
func (u *UsersClient) CheckNickname(ctx context.Context, nickname string) (bool, error) {
	data, err := u.c.doRequest(ctx, "GET", "/api/users/check-nickname", nil, map[string]string{"nickname": nickname})
	if err != nil {
		return false, err
	}
	res, err := decodeJSON[struct {
		Available bool `json:"available"`
	}](data)
	if err != nil {
		return false, err
	}
	return res.Available, nil
}

// ============================================================================
// Rooms
// ============================================================================

// RoomsClient handles chat room listing and membership lifecycle.
type RoomsClient struct{ c *Client }

func (r *RoomsClient) Create(ctx context.Context, name string, userID int64) (*ChatRoom, error) {
	data, err := r.c.doRequest(ctx, "POST", "/api/chat-rooms",
		map[string]interface{}{"name": name, "userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatRoom](data)
}

// List returns all rooms, with per-room unread counts for the given user.
func (r *RoomsClient) List(ctx context.Context, userID int64) ([]ChatRoom, error) {
	data, err := r.c.doRequest(ctx, "GET", "/api/chat-rooms", nil,
		map[string]string{"userId": formatID(userID)})
	if err != nil {
		return nil, err
	}
	rooms, err := decodeJSON[[]ChatRoom](data)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

func (r *RoomsClient) Get(ctx context.Context, roomID int64) (*ChatRoom, error) {
	data, err := r.c.doRequest(ctx, "GET", "/api/chat-rooms/"+formatID(roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatRoom](data)
}

func (r *RoomsClient) Join(ctx context.Context, roomID, userID int64) error {
	_, err := r.c.doRequest(ctx, "POST", "/api/chat-rooms/"+formatID(roomID)+"/join", nil,
		map[string]string{"userId": formatID(userID)})
	return err
}

func (r *RoomsClient) Leave(ctx context.Context, roomID, userID int64) error {
	_, err := r.c.doRequest(ctx, "POST", "/api/chat-rooms/"+formatID(roomID)+"/leave", nil,
		map[string]string{"userId": formatID(userID)})
	return err
}

// ============================================================================
// Members
// ============================================================================

// MembersClient is the membership service: member snapshots, presence flags
// and the liveness signal. It is the production ActivityService.
type MembersClient struct{ c *Client }

// Fetch returns the room's current member set.
func (m *MembersClient) Fetch(ctx context.Context, roomID int64) ([]Member, error) {
	data, err := m.c.doRequest(ctx, "GET", "/api/chat-rooms/"+formatID(roomID)+"/members", nil, nil)
	if err != nil {
		return nil, err
	}
	members, err := decodeJSON[[]Member](data)
	if err != nil {
		return nil, err
	}
	return *members, nil
}

// SetPresence marks the user active or inactive in the room.
func (m *MembersClient) SetPresence(ctx context.Context, roomID, userID int64, active bool) error {
	_, err := m.c.doRequest(ctx, "PUT", "/api/chat-rooms/"+formatID(roomID)+"/members/status",
		map[string]interface{}{"userId": userID, "chatRoomId": roomID, "online": active}, nil)
	return err
}

// SendLiveness proves the session is still alive while the user idles.
func (m *MembersClient) SendLiveness(ctx context.Context, roomID, userID int64) error {
	_, err := m.c.doRequest(ctx, "POST", "/api/chat-rooms/"+formatID(roomID)+"/members/heartbeat", nil,
		map[string]string{"userId": formatID(userID)})
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient is the message history service.
type MessagesClient struct{ c *Client }

// History returns the room's messages. When sinceUserID is supplied the
// server returns only messages from that viewer's join point forward; the
// "no history before I joined" guarantee is enforced there, not re-derived
// client-side.
func (m *MessagesClient) History(ctx context.Context, roomID int64, sinceUserID *int64) ([]Message, error) {
	var query map[string]string
	if sinceUserID != nil {
		query = map[string]string{"userId": formatID(*sinceUserID)}
	}
	data, err := m.c.doRequest(ctx, "GET", "/api/messages/chatroom/"+formatID(roomID), nil, query)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// Search performs a server-side keyword search over a room's history.
func (m *MessagesClient) Search(ctx context.Context, roomID int64, keyword string) ([]Message, error) {
	data, err := m.c.doRequest(ctx, "GET", "/api/chat-rooms/"+formatID(roomID)+"/messages/search", nil,
		map[string]string{"keyword": keyword})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// SendSticker sends a sticker reference over REST.
func (m *MessagesClient) SendSticker(ctx context.Context, roomID, senderID int64, sticker string) (*Message, error) {
	return m.post(ctx, roomID, SendFrame{ChatRoomID: roomID, SenderID: senderID, Content: sticker, Kind: KindSticker})
}

// SendImageRef sends a message carrying an already-uploaded image reference.
// Upload transport itself is outside this client.
func (m *MessagesClient) SendImageRef(ctx context.Context, roomID, senderID int64, ref string) (*Message, error) {
	return m.post(ctx, roomID, SendFrame{ChatRoomID: roomID, SenderID: senderID, Content: ref, Kind: KindImage})
}

func (m *MessagesClient) post(ctx context.Context, roomID int64, frame SendFrame) (*Message, error) {
	data, err := m.c.doRequest(ctx, "POST", "/api/chat-rooms/"+formatID(roomID)+"/messages", frame, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Delete removes one of the user's own messages.
func (m *MessagesClient) Delete(ctx context.Context, messageID, userID int64) error {
	_, err := m.c.doRequest(ctx, "DELETE", "/api/messages/"+formatID(messageID), nil,
		map[string]string{"userId": formatID(userID)})
	return err
}

// ============================================================================
// Read Status
// ============================================================================

// ReadStatusClient is the read-status service: cursor advancement and unread
// counts. It is the production ReadMarker.
type ReadStatusClient struct{ c *Client }

// MarkRead advances the user's read cursor to the room's latest message.
func (r *ReadStatusClient) MarkRead(ctx context.Context, userID, roomID int64) error {
	_, err := r.c.doRequest(ctx, "POST", "/api/read-status/mark-read", nil, map[string]string{
		"userId":     formatID(userID),
		"chatRoomId": formatID(roomID),
	})
	return err
}

// UnreadCount returns the user's unread total for one room.
func (r *ReadStatusClient) UnreadCount(ctx context.Context, userID, roomID int64) (int, error) {
	data, err := r.c.doRequest(ctx, "GET", "/api/read-status/unread-count", nil, map[string]string{
		"userId":     formatID(userID),
		"chatRoomId": formatID(roomID),
	})
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[struct {
		UnreadCount int `json:"unreadCount"`
	}](data)
	if err != nil {
		return 0, err
	}
	return res.UnreadCount, nil
}

// AllUnreadCounts returns the user's unread totals keyed by room id.
func (r *ReadStatusClient) AllUnreadCounts(ctx context.Context, userID int64) (map[int64]int, error) {
	data, err := r.c.doRequest(ctx, "GET", "/api/read-status/unread-counts/"+formatID(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON[map[string]int](data)
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(*raw))
	for k, v := range *raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		counts[id] = v
	}
	return counts, nil
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient is the session factory for the duplex transport.
type RealtimeClient struct{ c *Client }

// ChannelURL returns the websocket endpoint derived from the base URL.
func (r *RealtimeClient) ChannelURL() string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// NewChannel creates a SessionChannel for this server. Call Connect to
// establish the connection.
func (r *RealtimeClient) NewChannel(config *SessionConfig) *SessionChannel {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = r.c.logger
	}
	return NewSessionChannel(r.ChannelURL(), &cfg)
}
