package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEmitFansOutToSubscribers(t *testing.T) {
	p := NewPublisher(nil, "signal", "")
	ch := p.Subscribe("test", 4)
	defer p.Unsubscribe("test")

	data := map[string]string{"peerId": "alice"}
	if err := p.Emit(context.Background(), EventPeerJoined, "room-1", data); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case env := <-ch:
		if env.Type != EventPeerJoined {
			t.Errorf("type = %q, want %q", env.Type, EventPeerJoined)
		}
		if env.RoomID != "room-1" {
			t.Errorf("room_id = %q, want %q", env.RoomID, "room-1")
		}
		if env.Source != "signal" {
			t.Errorf("source = %q, want %q", env.Source, "signal")
		}
		if env.ID == "" {
			t.Error("envelope id is empty")
		}
		var payload map[string]string
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["peerId"] != "alice" {
			t.Errorf("peerId = %q, want %q", payload["peerId"], "alice")
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope received")
	}
}

func TestEmitDropsWhenSubscriberFull(t *testing.T) {
	p := NewPublisher(nil, "signal", "")
	p.Subscribe("slow", 1)
	defer p.Unsubscribe("slow")

	for i := 0; i < 3; i++ {
		if err := p.Emit(context.Background(), EventPeerLeft, "room-1", nil); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher(nil, "signal", "")
	ch := p.Subscribe("once", 1)
	p.Unsubscribe("once")

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		EventPeerJoined, EventPeerLeft,
		EventNewProducer, EventProducerClosed,
		EventRoomCreated, EventRoomDestroyed,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}
