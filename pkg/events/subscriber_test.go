package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSubscriberRoutesByType(t *testing.T) {
	es := NewSubscriber()

	var joined, all []Envelope
	es.On(EventPeerJoined, func(_ context.Context, env Envelope) { joined = append(joined, env) })
	es.On("", func(_ context.Context, env Envelope) { all = append(all, env) })

	for _, et := range []EventType{EventPeerJoined, EventPeerLeft} {
		raw, _ := json.Marshal(Envelope{ID: "e1", Type: et, RoomID: "room-1", Timestamp: time.Now()})
		if err := es.Handle(context.Background(), nil, raw); err != nil {
			t.Fatalf("handle %s: %v", et, err)
		}
	}

	if len(joined) != 1 || joined[0].Type != EventPeerJoined {
		t.Errorf("typed handler got %v", joined)
	}
	if len(all) != 2 {
		t.Errorf("catch-all handler got %d envelopes, want 2", len(all))
	}
}

func TestSubscriberRejectsMalformedMessage(t *testing.T) {
	es := NewSubscriber()
	if err := es.Handle(context.Background(), nil, []byte("{nope")); err == nil {
		t.Error("malformed message accepted")
	}
}
