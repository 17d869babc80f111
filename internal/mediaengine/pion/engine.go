// Package pion implements the media engine on pion/webrtc. Transports
// are built from the ORTC primitives (ICE gatherer, ICE transport,
// DTLS transport) so the signaling protocol stays SDP-free: clients
// receive ICE and DTLS parameters as plain JSON and connect with
// their own.
package pion

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/pitabwire/frame/workerpool"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Config holds engine-wide settings.
type Config struct {
	// MinPort and MaxPort bound the ephemeral UDP range used for ICE.
	MinPort uint16
	MaxPort uint16

	// STUNServers are handed to every ICE gatherer.
	STUNServers []string

	// Pool runs observer tickers and forwarding loops when set.
	Pool workerpool.WorkerPool
}

// Engine implements mediaengine.Engine.
type Engine struct {
	api  *webrtc.API
	cfg  Config
	pool workerpool.WorkerPool
}

// NewEngine builds the shared webrtc.API with Opus audio (48 kHz,
// stereo), VP8 video, and the ssrc-audio-level extension that feeds
// the level observer.
func NewEngine(cfg Config) (*Engine, error) {
	me := &webrtc.MediaEngine{}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	return &Engine{api: api, cfg: cfg, pool: cfg.Pool}, nil
}

// CreateRouter creates a per-room routing domain.
func (e *Engine) CreateRouter(_ context.Context) (mediaengine.Router, error) {
	return newRouter(e), nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(e.cfg.STUNServers))
	for _, url := range e.cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return servers
}

// submit runs fn on the worker pool, falling back to a goroutine.
func (e *Engine) submit(ctx context.Context, fn func()) {
	if e.pool != nil {
		if err := e.pool.Submit(ctx, fn); err == nil {
			return
		}
	}
	go fn()
}
