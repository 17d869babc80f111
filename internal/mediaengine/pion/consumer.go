package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Consumer implements mediaengine.Consumer: one local track and one
// sender forwarding a producer's packets to the client.
type Consumer struct {
	id         string
	producerID string
	kind       mediaengine.Kind
	transport  *Transport
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	params     json.RawMessage

	mu     sync.Mutex
	paused bool
	closed bool
}

func newConsumer(t *Transport, producer *Producer) (*Consumer, error) {
	id := xid.New().String()
	track, err := webrtc.NewTrackLocalStaticRTP(producer.codec, id, "voxmesh")
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	payloadType := uint8(111)
	if producer.kind == mediaengine.KindVideo {
		payloadType = 96
	}
	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	params, _ := json.Marshal(rtpParametersJSON{
		Codecs: []rtpCodecJSON{{
			MimeType:    producer.codec.MimeType,
			PayloadType: payloadType,
			ClockRate:   producer.codec.ClockRate,
			Channels:    producer.codec.Channels,
		}},
		HeaderExtensions: []rtpHeaderExtensionJSON{
			{URI: audioLevelURI, ID: defaultAudioLevelID},
		},
		Encodings: []rtpEncodingJSON{{SSRC: ssrc}},
	})

	return &Consumer{
		id:         id,
		producerID: producer.id,
		kind:       producer.kind,
		transport:  t,
		track:      track,
		sender:     sender,
		params:     params,
	}, nil
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() mediaengine.Kind         { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Pause(_ context.Context) error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if producer, ok := c.transport.router.lookupProducer(c.producerID); ok {
		producer.unsubscribe(c.id)
	}
	c.transport.removeConsumer(c.id)
	return c.sender.Stop()
}

// write forwards one packet unless the consumer is paused.
func (c *Consumer) write(pkt *rtp.Packet) {
	c.mu.Lock()
	skip := c.paused || c.closed
	c.mu.Unlock()
	if skip {
		return
	}
	_ = c.track.WriteRTP(pkt)
}
