// Package mock provides a scripted in-memory media engine for tests.
// Object ids are deterministic ("transport-1", "producer-2", ...) and
// the level observer exposes EmitVolumes and EmitSilence so tests can
// drive speaking-state transitions directly.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Engine implements mediaengine.Engine.
type Engine struct {
	mu      sync.Mutex
	counter int

	// CanConsume is consulted by every router; nil means always true.
	CanConsume func(producerID string, rtpCapabilities json.RawMessage) bool

	Routers []*Router
}

// NewEngine creates a mock engine.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) nextID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	return fmt.Sprintf("%s-%d", prefix, e.counter)
}

func (e *Engine) CreateRouter(_ context.Context) (mediaengine.Router, error) {
	r := &Router{engine: e, id: e.nextID("router")}
	e.mu.Lock()
	e.Routers = append(e.Routers, r)
	e.mu.Unlock()
	return r, nil
}

// Router implements mediaengine.Router.
type Router struct {
	engine *Engine
	id     string

	mu       sync.Mutex
	closed   bool
	Observer *Observer
}

func (r *Router) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
}

func (r *Router) CreateTransport(_ context.Context) (mediaengine.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	id := r.engine.nextID("transport")
	return &Transport{engine: r.engine, id: id}, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, _ mediaengine.AudioLevelObserverOptions) (mediaengine.AudioLevelObserver, error) {
	obs := &Observer{producers: make(map[string]struct{})}
	r.mu.Lock()
	r.Observer = obs
	r.mu.Unlock()
	return obs, nil
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if r.engine.CanConsume != nil {
		return r.engine.CanConsume(producerID, rtpCapabilities)
	}
	return true
}

func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// IsClosed reports whether Close has been called.
func (r *Router) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport implements mediaengine.Transport.
type Transport struct {
	engine *Engine
	id     string

	mu        sync.Mutex
	closed    bool
	connected bool
	onClosed  func()
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() mediaengine.TransportInfo {
	return mediaengine.TransportInfo{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"mock","password":"mock"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"role":"auto","fingerprints":[]}`),
	}
}

func (t *Transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s closed", t.id)
	}
	t.connected = true
	return nil
}

// Connected reports whether Connect has been called.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(_ context.Context, kind mediaengine.Kind, _ json.RawMessage) (mediaengine.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	return &Producer{id: t.engine.nextID("producer"), kind: kind}, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, _ json.RawMessage) (mediaengine.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	return &Consumer{id: t.engine.nextID("consumer"), producerID: producerID, kind: mediaengine.KindAudio}, nil
}

func (t *Transport) OnClosed(fn func()) {
	t.mu.Lock()
	t.onClosed = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Producer implements mediaengine.Producer.
type Producer struct {
	id   string
	kind mediaengine.Kind

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() string                 { return p.id }
func (p *Producer) Kind() mediaengine.Kind     { return p.kind }
func (p *Producer) Pause(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}
func (p *Producer) Resume(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Paused reports the pause flag.
func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsClosed reports whether Close has been called.
func (p *Producer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer implements mediaengine.Consumer.
type Consumer struct {
	id         string
	producerID string
	kind       mediaengine.Kind

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() mediaengine.Kind { return c.kind }

func (c *Consumer) RTPParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
}

func (c *Consumer) Pause(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Observer implements mediaengine.AudioLevelObserver with manual
// triggers for tests.
type Observer struct {
	mu        sync.Mutex
	closed    bool
	producers map[string]struct{}
	onVolumes func([]mediaengine.Volume)
	onSilence func()
}

func (o *Observer) AddProducer(producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[producerID] = struct{}{}
	return nil
}

func (o *Observer) RemoveProducer(producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, producerID)
	return nil
}

func (o *Observer) OnVolumes(fn func([]mediaengine.Volume)) {
	o.mu.Lock()
	o.onVolumes = fn
	o.mu.Unlock()
}

func (o *Observer) OnSilence(fn func()) {
	o.mu.Lock()
	o.onSilence = fn
	o.mu.Unlock()
}

func (o *Observer) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

// IsClosed reports whether Close has been called.
func (o *Observer) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Observed reports whether producerID is attached to the observer.
func (o *Observer) Observed(producerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.producers[producerID]
	return ok
}

// EmitVolumes drives one volumes tick.
func (o *Observer) EmitVolumes(volumes []mediaengine.Volume) {
	o.mu.Lock()
	fn := o.onVolumes
	o.mu.Unlock()
	if fn != nil {
		fn(volumes)
	}
}

// EmitSilence drives one silence signal.
func (o *Observer) EmitSilence() {
	o.mu.Lock()
	fn := o.onSilence
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}
