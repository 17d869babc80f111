package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Router implements mediaengine.Router. It owns the per-room producer
// registry that Consume resolves against and forwards audio levels
// from producer read loops to the room's level observer.
type Router struct {
	engine *Engine
	caps   json.RawMessage

	mu        sync.Mutex
	closed    bool
	producers map[string]*Producer
	observer  *Observer
}

func newRouter(e *Engine) *Router {
	caps, _ := json.Marshal(rtpCapabilitiesJSON{
		Codecs: []rtpCodecJSON{
			{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000},
		},
		HeaderExtensions: []rtpHeaderExtensionJSON{
			{URI: audioLevelURI, ID: defaultAudioLevelID},
		},
	})
	return &Router{
		engine:    e,
		caps:      caps,
		producers: make(map[string]*Producer),
	}
}

func (r *Router) RTPCapabilities() json.RawMessage { return r.caps }

func (r *Router) CreateTransport(ctx context.Context) (mediaengine.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router closed")
	}
	r.mu.Unlock()
	return newTransport(ctx, r)
}

func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts mediaengine.AudioLevelObserverOptions) (mediaengine.AudioLevelObserver, error) {
	obs := newObserver(opts, r.engine)
	r.mu.Lock()
	r.observer = obs
	r.mu.Unlock()
	obs.start(ctx)
	return obs, nil
}

// CanConsume reports whether the producer's codec appears in the
// client's capabilities.
func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	producer, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return capsSupportMimeType(rtpCapabilities, producer.mimeType())
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) lookupProducer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// reportLevel feeds one RFC 6464 audio level reading to the room's
// observer, if one is attached.
func (r *Router) reportLevel(producerID string, level uint8, voice bool) {
	r.mu.Lock()
	obs := r.observer
	r.mu.Unlock()
	if obs != nil {
		obs.updateLevel(producerID, level, voice)
	}
}
