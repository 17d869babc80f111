package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pitabwire/util"
)

// EnvelopeHandler consumes one decoded event envelope.
type EnvelopeHandler func(ctx context.Context, env Envelope)

// Subscriber implements queue.SubscribeWorker, decoding envelopes off
// the event queue and routing them to handlers registered per event
// type. An empty event type registers a catch-all handler.
type Subscriber struct {
	mu       sync.RWMutex
	handlers map[EventType][]EnvelopeHandler
}

// NewSubscriber creates an empty subscriber.
func NewSubscriber() *Subscriber {
	return &Subscriber{handlers: make(map[EventType][]EnvelopeHandler)}
}

// On registers a handler for one event type.
func (es *Subscriber) On(eventType EventType, fn EnvelopeHandler) {
	es.mu.Lock()
	es.handlers[eventType] = append(es.handlers[eventType], fn)
	es.mu.Unlock()
}

// Handle is called by frame's pub/sub for each event message.
func (es *Subscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		util.Log(ctx).WithError(err).Error("event subscriber: unmarshal envelope")
		return err
	}

	es.mu.RLock()
	handlers := append([]EnvelopeHandler(nil), es.handlers[env.Type]...)
	handlers = append(handlers, es.handlers[""]...)
	es.mu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, env)
	}
	return nil
}
