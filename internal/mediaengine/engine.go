// Package mediaengine defines the narrow capability surface the
// signaling core needs from a real-time media engine: routers,
// WebRTC transports, producers, consumers, and the audio-level
// observer that drives speaking-state events.
//
// The signaling core never reaches past these interfaces; the pion
// subpackage provides the production implementation and the mock
// subpackage a scripted one for tests.
package mediaengine

import (
	"context"
	"encoding/json"
	"time"
)

// Kind is the media kind of a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k names a supported media kind.
func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// AudioLevelObserverOptions configure the per-room level observer.
type AudioLevelObserverOptions struct {
	// MaxEntries bounds how many producers one volumes tick reports.
	MaxEntries int
	// Threshold in dBFS below which a producer counts as silent.
	Threshold int
	// Interval between volume evaluations.
	Interval time.Duration
}

// Volume is one producer's audio level within a volumes tick.
type Volume struct {
	ProducerID string
	// Volume in dBFS; 0 is loudest, lower is quieter.
	Volume float64
}

// Engine creates routers. One engine is shared by all rooms.
type Engine interface {
	// CreateRouter returns a router configured for Opus audio
	// (48 kHz, stereo).
	CreateRouter(ctx context.Context) (Router, error)
}

// Router is a per-room RTP routing domain.
type Router interface {
	// RTPCapabilities returns the router capabilities advertised to
	// joining clients.
	RTPCapabilities() json.RawMessage

	// CreateTransport creates a WebRTC transport listening on all
	// interfaces, UDP and TCP, preferring UDP.
	CreateTransport(ctx context.Context) (Transport, error)

	// CreateAudioLevelObserver creates the observer feeding
	// speaking-state events.
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)

	// CanConsume reports whether a producer can be consumed with the
	// given client RTP capabilities.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool

	Close() error
}

// TransportInfo is the wire description of a transport, handed to the
// client for DTLS/ICE setup.
type TransportInfo struct {
	ID             string
	ICEParameters  json.RawMessage
	ICECandidates  json.RawMessage
	DTLSParameters json.RawMessage
}

// Transport is one DTLS/ICE connection. Transports auto-close when
// their DTLS state reaches closed.
type Transport interface {
	ID() string
	Info() TransportInfo

	// Connect completes the DTLS handshake with the client's
	// parameters.
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error

	// Produce creates a producer receiving media from the client.
	Produce(ctx context.Context, kind Kind, rtpParameters json.RawMessage) (Producer, error)

	// Consume creates a consumer forwarding producerID's media to
	// the client. Consumers start unpaused.
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)

	// OnClosed registers a callback invoked once when the transport
	// closes, including DTLS-driven auto-close.
	OnClosed(fn func())

	Close() error
}

// Producer is an inbound RTP stream owned by one peer.
type Producer interface {
	ID() string
	Kind() Kind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// Consumer is an outbound RTP stream forwarding one producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RTPParameters() json.RawMessage
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// AudioLevelObserver reports periodic volume ticks for audible
// producers and a silence signal when all observed producers fall
// below the threshold.
type AudioLevelObserver interface {
	AddProducer(producerID string) error
	RemoveProducer(producerID string) error

	// OnVolumes registers the volumes tick callback. Ticks carry the
	// audible producers ordered loudest first.
	OnVolumes(fn func([]Volume))

	// OnSilence registers the silence callback.
	OnSilence(fn func())

	Close() error
}
