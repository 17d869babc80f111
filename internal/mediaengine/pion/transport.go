package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Transport implements mediaengine.Transport over the ORTC stack: one
// ICE gatherer, one ICE transport, one DTLS transport. Candidates are
// gathered eagerly so Info is complete when the transport is handed
// to the client.
type Transport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	info     mediaengine.TransportInfo

	mu        sync.Mutex
	closed    bool
	connected bool
	onClosed  func()
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	api := r.engine.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: r.engine.iceServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}

	done := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(done)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &Transport{
		id:        xid.New().String(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.info = mediaengine.TransportInfo{
		ID:             t.id,
		ICEParameters:  marshalICEParameters(iceParams),
		ICECandidates:  marshalICECandidates(candidates),
		DTLSParameters: marshalDTLSParameters(dtlsParams),
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		switch state {
		case webrtc.DTLSTransportStateClosed, webrtc.DTLSTransportStateFailed:
			_ = t.Close()
		}
	})
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() mediaengine.TransportInfo { return t.info }

// Connect starts ICE with the client's parameters, then the DTLS
// handshake. The server side is always the controlled agent.
func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	dtlsParams, iceParams, err := parseDTLSParameters(dtlsParameters)
	if err != nil {
		return err
	}
	if iceParams == nil {
		return fmt.Errorf("dtlsParameters: missing iceParameters")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.connected = true
	t.mu.Unlock()

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, *iceParams, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

// Produce creates a receiver for client media and starts its read
// loop.
func (t *Transport) Produce(ctx context.Context, kind mediaengine.Kind, rtpParameters json.RawMessage) (mediaengine.Producer, error) {
	params, err := parseRTPParameters(rtpParameters)
	if err != nil {
		return nil, err
	}
	if len(params.Codecs) == 0 {
		return nil, fmt.Errorf("rtpParameters: no codecs")
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == mediaengine.KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	receiver, err := t.router.engine.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC: webrtc.SSRC(params.Encodings[0].SSRC),
			},
		}},
	}); err != nil {
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	producer := newProducer(t, kind, receiver, params)
	t.mu.Lock()
	t.producers[producer.id] = producer
	t.mu.Unlock()
	t.router.registerProducer(producer)

	t.router.engine.submit(ctx, producer.readLoop)
	return producer, nil
}

// Consume forwards a producer's media to the client through a new
// sender.
func (t *Transport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (mediaengine.Consumer, error) {
	producer, ok := t.router.lookupProducer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	if !capsSupportMimeType(rtpCapabilities, producer.mimeType()) {
		return nil, fmt.Errorf("producer %s: codec not supported by client", producerID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	consumer, err := newConsumer(t, producer)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.consumers[consumer.id] = consumer
	t.mu.Unlock()
	producer.subscribe(consumer)
	return consumer, nil
}

// OnClosed registers fn, invoked once on close including DTLS-driven
// auto-close.
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
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()

	if fn != nil {
		fn()
	}
	return nil
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
