// Package signal implements the signaling core of the SFU: the token
// gate, session and room registries, the request dispatcher, and the
// event fan-out that keeps room members in sync.
package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pitabwire/frame/workerpool"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
	"github.com/voxmesh/voxmesh/internal/signal/protocol"
	"github.com/voxmesh/voxmesh/internal/signal/token"
	"github.com/voxmesh/voxmesh/pkg/events"
)

// DefaultGraceWindow is how long a dropped peer's identity and room
// membership are preserved awaiting a resume.
const DefaultGraceWindow = 25 * time.Second

const welcomeHint = "send join or resumeSession"

// Options configure a Server.
type Options struct {
	Engine mediaengine.Engine
	Codec  *token.Codec

	// GraceWindow defaults to DefaultGraceWindow.
	GraceWindow time.Duration

	// Observer defaults to 10 entries, -80 dBFS, 100 ms.
	Observer mediaengine.AudioLevelObserverOptions

	// Mirror, when set, receives room events as typed envelopes for
	// in-process or queue consumers.
	Mirror *events.Publisher

	// Pool runs mirror emissions off the dispatch path. Optional.
	Pool workerpool.WorkerPool
}

// Server owns the process-wide session and room registries and serves
// the websocket signaling protocol. All registry state is guarded by
// one mutex; handlers for every connection serialize through it, so
// room indexes never interleave.
type Server struct {
	engine  mediaengine.Engine
	codec   *token.Codec
	mirror  *events.Publisher
	pool    workerpool.WorkerPool
	grace   time.Duration
	obsOpts mediaengine.AudioLevelObserverOptions

	mu       sync.Mutex
	sessions map[string]*Peer
	rooms    map[string]*Room
}

// NewServer creates a signaling server.
func NewServer(opts Options) *Server {
	grace := opts.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	obs := opts.Observer
	if obs.MaxEntries == 0 {
		obs.MaxEntries = 10
	}
	if obs.Threshold == 0 {
		obs.Threshold = -80
	}
	if obs.Interval == 0 {
		obs.Interval = 100 * time.Millisecond
	}
	return &Server{
		engine:   opts.Engine,
		codec:    opts.Codec,
		mirror:   opts.Mirror,
		pool:     opts.Pool,
		grace:    grace,
		obsOpts:  obs,
		sessions: make(map[string]*Peer),
		rooms:    make(map[string]*Room),
	}
}

// binding is the token-bound identity annotated on a connection.
type binding struct {
	roomID    string
	peerID    string
	sessionID string
}

// HandleWebSocket accepts one signaling connection. The token travels
// in the query string; a missing or invalid token closes the channel
// with status 1008 and the failure kind as reason. Nothing is ever
// replied on the channel before authentication succeeds.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.DebugContext(r.Context(), "websocket accept failed", slog.String("error", err.Error()))
		return
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		_ = ws.Close(websocket.StatusPolicyViolation, "missing token")
		return
	}
	claims, err := s.codec.Verify(tok, token.VerifyOptions{ConsumeJTI: true})
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	conn := newWSConn(ws)
	bind := binding{roomID: claims.RoomID, peerID: claims.PeerID, sessionID: claims.SessionID}

	_ = conn.Send(protocol.Welcome{
		Type:      protocol.TypeWelcome,
		PeerID:    bind.peerID,
		SessionID: bind.sessionID,
		Hint:      welcomeHint,
	})

	slog.InfoContext(r.Context(), "peer connected",
		slog.String("room_id", bind.roomID),
		slog.String("peer_id", bind.peerID))

	s.serve(r.Context(), conn, bind)
}

// serve is the per-connection message pump. It exits on read failure
// (client gone) and then hands the peer to the grace path.
func (s *Server) serve(ctx context.Context, conn Conn, bind binding) {
	defer s.onDisconnect(conn, bind)

	wsc := conn.(*wsConn)
	defer wsc.stop()
	for {
		_, data, err := wsc.ws.Read(ctx)
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.DebugContext(ctx, "dropping malformed request",
				slog.String("peer_id", bind.peerID), slog.String("error", err.Error()))
			continue
		}
		resp, followup := s.dispatch(ctx, conn, bind, req)
		_ = conn.Send(resp)
		if followup != nil {
			_ = conn.Send(followup)
		}
	}
}

// onDisconnect finds the owning peer by its connection handle and arms
// the grace timer. A linear scan is fine at this scale.
func (s *Server) onDisconnect(conn Conn, bind binding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.sessions {
		if p.conn == conn {
			p.conn = nil
			p.disconnectedAt = time.Now()
			s.armGraceLocked(p)
			slog.Info("peer disconnected, grace armed",
				slog.String("peer_id", p.peerID),
				slog.String("session_id", p.sessionID),
				slog.Duration("grace", s.grace))
			return
		}
	}
}

// armGraceLocked (re)arms the single-shot grace timer. Re-arming
// cancels the prior timer.
func (s *Server) armGraceLocked(p *Peer) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.grace, func() {
		s.onGraceExpired(p, t)
	})
	p.graceTimer = t
}

// disarmGraceLocked cancels a pending grace timer, if any.
func (s *Server) disarmGraceLocked(p *Peer) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.disconnectedAt = time.Time{}
}

// onGraceExpired runs the final destroy path unless the peer resumed
// or was superseded in the meantime. The timer identity check makes a
// raced fire after re-arm a no-op.
func (s *Server) onGraceExpired(p *Peer, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[p.sessionID] != p || p.graceTimer != t {
		return
	}
	slog.Info("grace expired, destroying peer",
		slog.String("peer_id", p.peerID),
		slog.String("session_id", p.sessionID))
	s.destroyPeerLocked(p)
}

// ensureRoomLocked returns the room, creating it lazily with a fresh
// router and level observer on first join.
func (s *Server) ensureRoomLocked(ctx context.Context, roomID string) (*Room, error) {
	if room, ok := s.rooms[roomID]; ok {
		return room, nil
	}

	router, err := s.engine.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}
	observer, err := router.CreateAudioLevelObserver(ctx, s.obsOpts)
	if err != nil {
		_ = router.Close()
		return nil, err
	}

	room := &Room{
		id:        roomID,
		router:    router,
		observer:  observer,
		peers:     make(map[string]*Peer),
		producers: make(map[string]producerEntry),
		speaking:  make(map[string]struct{}),
	}
	observer.OnVolumes(func(volumes []mediaengine.Volume) {
		s.onVolumes(roomID, volumes)
	})
	observer.OnSilence(func() {
		s.onSilence(roomID)
	})

	s.rooms[roomID] = room
	slog.InfoContext(ctx, "room created", slog.String("room_id", roomID))
	s.emitMirror(events.EventRoomCreated, roomID, nil)
	return room, nil
}

// onVolumes drives speaking-state transitions from one volumes tick:
// audible producers get producerSpeaking true, producers that went
// quiet get producerSpeaking false and leave the set, then the active
// ids are unioned in.
func (s *Server) onVolumes(roomID string, volumes []mediaengine.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}

	active := make(map[string]struct{}, len(volumes))
	for _, v := range volumes {
		entry, ok := room.producers[v.ProducerID]
		if !ok {
			continue
		}
		active[v.ProducerID] = struct{}{}
		vol := v.Volume
		s.broadcastRoom(room, protocol.ProducerSpeaking{
			Type:       protocol.TypeProducerSpeaking,
			ProducerID: v.ProducerID,
			PeerID:     entry.peerID,
			Speaking:   true,
			Volume:     &vol,
		}, "")
	}

	for id := range room.speaking {
		if _, still := active[id]; still {
			continue
		}
		if entry, ok := room.producers[id]; ok {
			s.broadcastRoom(room, protocol.ProducerSpeaking{
				Type:       protocol.TypeProducerSpeaking,
				ProducerID: id,
				PeerID:     entry.peerID,
				Speaking:   false,
			}, "")
		}
		delete(room.speaking, id)
	}

	for id := range active {
		room.speaking[id] = struct{}{}
	}
}

// onSilence flags every speaking producer quiet and clears the set.
func (s *Server) onSilence(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for id := range room.speaking {
		if entry, ok := room.producers[id]; ok {
			s.broadcastRoom(room, protocol.ProducerSpeaking{
				Type:       protocol.TypeProducerSpeaking,
				ProducerID: id,
				PeerID:     entry.peerID,
				Speaking:   false,
			}, "")
		}
		delete(room.speaking, id)
	}
}

// resetPeerMedia closes and forgets the peer's transports, producers
// and consumers, and silently removes its entries from the room's
// producer index and speaking set. No producerClosed is broadcast so
// a transient reconnect stays invisible to the other members. Safe to
// call repeatedly. Callers must hold s.mu.
func (s *Server) resetPeerMediaLocked(p *Peer) {
	room := s.rooms[p.roomID]

	for id, producer := range p.producers {
		if room != nil {
			delete(room.producers, id)
			delete(room.speaking, id)
			if producer.Kind() == mediaengine.KindAudio && room.observer != nil {
				_ = room.observer.RemoveProducer(id)
			}
		}
		_ = producer.Close()
	}
	p.producers = make(map[string]mediaengine.Producer)

	for _, consumer := range p.consumers {
		_ = consumer.Close()
	}
	p.consumers = make(map[string]mediaengine.Consumer)

	if p.sendTransport != nil {
		t := p.sendTransport
		p.sendTransport = nil
		_ = t.Close()
	}
	if p.recvTransport != nil {
		t := p.recvTransport
		p.recvTransport = nil
		_ = t.Close()
	}
}

// destroyPeerLocked is the final destroy path: producers leave the
// room index (with producerSpeaking false and producerClosed
// broadcasts), the peer leaves the room (peerLeft), all media objects
// close, the session record is dropped, and an emptied room is torn
// down. Callers must hold s.mu.
func (s *Server) destroyPeerLocked(p *Peer) {
	room := s.rooms[p.roomID]

	if room != nil {
		for id, producer := range p.producers {
			entry, indexed := room.producers[id]
			if !indexed {
				continue
			}
			delete(room.producers, id)
			if _, speaking := room.speaking[id]; speaking {
				delete(room.speaking, id)
				s.broadcastRoom(room, protocol.ProducerSpeaking{
					Type:       protocol.TypeProducerSpeaking,
					ProducerID: id,
					PeerID:     entry.peerID,
					Speaking:   false,
				}, "")
			}
			closed := protocol.ProducerClosed{
				Type:       protocol.TypeProducerClosed,
				ProducerID: id,
				PeerID:     p.peerID,
				Kind:       string(entry.kind),
				Reason:     "left",
			}
			s.broadcastRoom(room, closed, p.peerID)
			s.emitMirror(events.EventProducerClosed, p.roomID, closed)
			if producer.Kind() == mediaengine.KindAudio && room.observer != nil {
				_ = room.observer.RemoveProducer(id)
			}
		}

		delete(room.peers, p.peerID)
		left := protocol.PeerLeft{Type: protocol.TypePeerLeft, PeerID: p.peerID}
		s.broadcastRoom(room, left, "")
		s.emitMirror(events.EventPeerLeft, p.roomID, left)
	}

	for _, producer := range p.producers {
		_ = producer.Close()
	}
	for _, consumer := range p.consumers {
		_ = consumer.Close()
	}
	if p.sendTransport != nil {
		_ = p.sendTransport.Close()
	}
	if p.recvTransport != nil {
		_ = p.recvTransport.Close()
	}
	p.producers = make(map[string]mediaengine.Producer)
	p.consumers = make(map[string]mediaengine.Consumer)
	p.sendTransport = nil
	p.recvTransport = nil
	p.graceTimer = nil

	delete(s.sessions, p.sessionID)
	roomID := p.roomID
	p.roomID = ""

	if room != nil && room.peerCount() == 0 {
		if room.observer != nil {
			_ = room.observer.Close()
		}
		_ = room.router.Close()
		delete(s.rooms, roomID)
		slog.Info("room destroyed", slog.String("room_id", roomID))
		s.emitMirror(events.EventRoomDestroyed, roomID, nil)
	}
}

// transportClosed clears a transport slot after an engine-driven
// close (DTLS reaching closed). Producers that lived on a closed send
// transport are silently dropped from the room indexes; departure
// events stay reserved for final peer destruction.
func (s *Server) transportClosed(sessionID, direction string, t mediaengine.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	switch direction {
	case directionSend:
		if p.sendTransport != t {
			return
		}
		p.sendTransport = nil
		room := s.rooms[p.roomID]
		for id, producer := range p.producers {
			if room != nil {
				delete(room.producers, id)
				delete(room.speaking, id)
				if producer.Kind() == mediaengine.KindAudio && room.observer != nil {
					_ = room.observer.RemoveProducer(id)
				}
			}
			_ = producer.Close()
		}
		p.producers = make(map[string]mediaengine.Producer)
	case directionRecv:
		if p.recvTransport != t {
			return
		}
		p.recvTransport = nil
		for _, consumer := range p.consumers {
			_ = consumer.Close()
		}
		p.consumers = make(map[string]mediaengine.Consumer)
	}
}

// emitMirror forwards a room event to the optional event mirror off
// the dispatch path.
func (s *Server) emitMirror(eventType events.EventType, roomID string, data any) {
	if s.mirror == nil {
		return
	}
	mirror := s.mirror
	fn := func() {
		if err := mirror.Emit(context.Background(), eventType, roomID, data); err != nil {
			slog.Warn("event mirror emit failed",
				slog.String("event_type", string(eventType)),
				slog.String("error", err.Error()))
		}
	}
	if s.pool != nil {
		if err := s.pool.Submit(context.Background(), fn); err != nil {
			slog.Warn("event mirror pool full", slog.String("event_type", string(eventType)))
		}
		return
	}
	go fn()
}

// Stats is a point-in-time snapshot of the registries.
type Stats struct {
	Rooms     int `json:"rooms"`
	Sessions  int `json:"sessions"`
	Producers int `json:"producers"`
	Consumers int `json:"consumers"`
	Speaking  int `json:"speaking"`
}

// Stats returns aggregate server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Rooms: len(s.rooms), Sessions: len(s.sessions)}
	for _, room := range s.rooms {
		stats.Producers += len(room.producers)
		stats.Speaking += len(room.speaking)
	}
	for _, p := range s.sessions {
		stats.Consumers += len(p.consumers)
	}
	return stats
}
