package chatline

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		env := Envelope{
			Type:    FrameMessage,
			Topic:   RoomTopic(1),
			Payload: json.RawMessage(`{"id":3,"chatRoomId":1,"senderId":2,"content":"hi","type":"TEXT","sentAt":"2026-08-29T12:00:00Z"}`),
		}
		f, err := decodeFrame(env)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if f.Message == nil || f.Message.ID != 3 || f.Message.Kind != KindText {
			t.Fatalf("unexpected frame: %+v", f)
		}
	})

	t.Run("receipt", func(t *testing.T) {
		env := Envelope{
			Type:    FrameReceipt,
			Topic:   ReadStatusTopic(1),
			Payload: json.RawMessage(`{"chatRoomId":1,"userId":2,"lastReadMessageId":3}`),
		}
		f, err := decodeFrame(env)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if f.Receipt == nil || f.Receipt.LastReadMessageID != 3 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := decodeFrame(Envelope{Type: "MYSTERY"})
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent, got %v", err)
		}
	})

	t.Run("undecodable payload", func(t *testing.T) {
		_, err := decodeFrame(Envelope{Type: FrameMessage, Payload: json.RawMessage(`"scalar"`)})
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent, got %v", err)
		}
	})
}

func TestMessagePredicates(t *testing.T) {
	sender := int64(2)

	provisional := Message{LocalID: "tok", Content: "pending", SenderID: &sender}
	if !provisional.Provisional() {
		t.Fatal("expected provisional")
	}

	confirmed := Message{ID: 1, SenderID: &sender, Kind: KindText}
	if confirmed.Provisional() || confirmed.System() {
		t.Fatalf("confirmed text misclassified: %+v", confirmed)
	}

	system := Message{ID: 2, Kind: KindSystem}
	if !system.System() {
		t.Fatal("expected system message")
	}
	senderless := Message{ID: 3, Kind: KindText}
	if !senderless.System() {
		t.Fatal("senderless message must count as system")
	}
}
