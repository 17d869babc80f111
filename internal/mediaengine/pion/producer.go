package pion

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Producer implements mediaengine.Producer. Its read loop pulls RTP
// from the receiver, reports RFC 6464 audio levels to the router, and
// fans packets out to subscribed consumers. Pausing drops packets
// without stopping the loop so level reporting keeps the observer
// current.
type Producer struct {
	id         string
	kind       mediaengine.Kind
	transport  *Transport
	receiver   *webrtc.RTPReceiver
	codec      webrtc.RTPCodecCapability
	levelExtID uint8

	mu          sync.Mutex
	paused      bool
	closed      bool
	subscribers map[string]*Consumer
}

func newProducer(t *Transport, kind mediaengine.Kind, receiver *webrtc.RTPReceiver, params rtpParametersJSON) *Producer {
	codec := params.Codecs[0]
	return &Producer{
		id:        xid.New().String(),
		kind:      kind,
		transport: t,
		receiver:  receiver,
		codec: webrtc.RTPCodecCapability{
			MimeType:  codec.MimeType,
			ClockRate: codec.ClockRate,
			Channels:  codec.Channels,
		},
		levelExtID:  params.audioLevelID(),
		subscribers: make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() mediaengine.Kind { return p.kind }

func (p *Producer) mimeType() string { return p.codec.MimeType }

func (p *Producer) Pause(_ context.Context) error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Resume(_ context.Context) error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.subscribers = make(map[string]*Consumer)
	p.mu.Unlock()

	p.transport.router.unregisterProducer(p.id)
	p.transport.removeProducer(p.id)
	return p.receiver.Stop()
}

func (p *Producer) subscribe(c *Consumer) {
	p.mu.Lock()
	if !p.closed {
		p.subscribers[c.id] = c
	}
	p.mu.Unlock()
}

func (p *Producer) unsubscribe(id string) {
	p.mu.Lock()
	delete(p.subscribers, id)
	p.mu.Unlock()
}

// readLoop runs until the receiver stops. Pure forwarding, no decode.
func (p *Producer) readLoop() {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.handlePacket(pkt)
	}
}

func (p *Producer) handlePacket(pkt *rtp.Packet) {
	if p.kind == mediaengine.KindAudio {
		if ext := pkt.GetExtension(p.levelExtID); len(ext) > 0 {
			level := ext[0] & 0x7F
			voice := ext[0]&0x80 != 0
			p.transport.router.reportLevel(p.id, level, voice)
		}
	}

	p.mu.Lock()
	if p.paused || p.closed {
		p.mu.Unlock()
		return
	}
	subscribers := make([]*Consumer, 0, len(p.subscribers))
	for _, c := range p.subscribers {
		subscribers = append(subscribers, c)
	}
	p.mu.Unlock()

	for _, c := range subscribers {
		c.write(pkt)
	}
}
