package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/rs/xid"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
	"github.com/voxmesh/voxmesh/internal/signal/protocol"
	"github.com/voxmesh/voxmesh/pkg/events"
)

const (
	directionSend = "send"
	directionRecv = "recv"
)

// jsonAbsent reports whether a raw field was omitted or serialized as
// an explicit null.
func jsonAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// dispatch routes one request to its handler and shapes the reply.
// Every request gets exactly one response; failures travel as
// ok:false with the reason in data.error, never as a closed channel.
// The optional second return is pushed after the response (the
// post-join welcome).
func (s *Server) dispatch(ctx context.Context, conn Conn, bind binding, req protocol.Request) (protocol.Response, any) {
	var (
		data     any
		followup any
		err      error
	)

	switch req.Type {
	case protocol.TypeJoin:
		data, followup, err = s.handleJoin(ctx, conn, bind, req.Payload, false)
	case protocol.TypeResumeSession:
		data, followup, err = s.handleJoin(ctx, conn, bind, req.Payload, true)
	case protocol.TypeListProducers, protocol.TypeGetRoomProducers:
		data, err = s.handleListProducers(bind, req.Payload)
	case protocol.TypeCreateTransport:
		data, err = s.handleCreateTransport(ctx, bind, req.Payload)
	case protocol.TypeConnectTransport:
		data, err = s.handleConnectTransport(ctx, bind, req.Payload)
	case protocol.TypeProduce:
		data, err = s.handleProduce(ctx, bind, req.Payload)
	case protocol.TypeConsume:
		data, err = s.handleConsume(ctx, bind, req.Payload)
	case protocol.TypePauseProducer:
		data, err = s.handleProducerRef(ctx, bind, req.Payload, true)
	case protocol.TypeResumeProducer:
		data, err = s.handleProducerRef(ctx, bind, req.Payload, false)
	case protocol.TypePauseConsumer:
		data, err = s.handleConsumerRef(ctx, bind, req.Payload, true)
	case protocol.TypeResumeConsumer:
		data, err = s.handleConsumerRef(ctx, bind, req.Payload, false)
	default:
		err = errors.New("unknown type")
	}

	if err != nil {
		slog.DebugContext(ctx, "request failed",
			slog.String("type", req.Type),
			slog.String("peer_id", bind.peerID),
			slog.String("error", err.Error()))
		return protocol.Response{
			Type:      protocol.TypeResponse,
			RequestID: req.RequestID,
			OK:        false,
			Data:      protocol.ErrorData{Error: err.Error()},
		}, nil
	}
	return protocol.Response{
		Type:      protocol.TypeResponse,
		RequestID: req.RequestID,
		OK:        true,
		Data:      data,
	}, followup
}

// resolvePeerLocked maps a payload sessionId (falling back to the
// token-bound one) to its live peer, enforcing the token bindings.
func (s *Server) resolvePeerLocked(bind binding, sessionID string) (*Peer, error) {
	if sessionID == "" {
		sessionID = bind.sessionID
	}
	if bind.sessionID != "" && sessionID != bind.sessionID {
		return nil, errors.New("sessionId mismatch")
	}
	p, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.New("invalid sessionId")
	}
	if p.peerID != bind.peerID {
		return nil, errors.New("peerId mismatch")
	}
	if bind.roomID != "" && p.roomID != bind.roomID {
		return nil, errors.New("roomId mismatch")
	}
	return p, nil
}

// handleJoin serves join and resumeSession. Both share the adopt path:
// a request naming a live sessionId takes the session over, its media
// is reset, and any previous connection is superseded. resume differs
// only in requiring the session to exist and in suppressing the
// peerJoined rebroadcast for a peer that never left.
func (s *Server) handleJoin(ctx context.Context, conn Conn, bind binding, payload json.RawMessage, resume bool) (any, any, error) {
	var req protocol.JoinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, nil, errors.New("roomId required")
		}
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = bind.roomID
	}
	if roomID == "" {
		return nil, nil, errors.New("roomId required")
	}
	if bind.roomID != "" && roomID != bind.roomID {
		return nil, nil, errors.New("roomId mismatch")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = bind.sessionID
	}
	if bind.sessionID != "" && sessionID != bind.sessionID {
		return nil, nil, errors.New("sessionId mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.sessions[sessionID]
	if resume && !exists {
		return nil, nil, errors.New("peer not found")
	}

	var superseded Conn
	if exists {
		if p.peerID != bind.peerID {
			return nil, nil, errors.New("peerId mismatch")
		}
		if p.roomID != "" && p.roomID != roomID {
			return nil, nil, errors.New("roomId mismatch")
		}
		s.disarmGraceLocked(p)
		s.resetPeerMediaLocked(p)
		if p.conn != nil && p.conn != conn {
			superseded = p.conn
		}
		p.conn = conn
	} else {
		if sessionID == "" {
			sessionID = xid.New().String()
		}
		p = newPeer(sessionID, bind.peerID, conn)
		s.sessions[sessionID] = p
	}

	room, err := s.ensureRoomLocked(ctx, roomID)
	if err != nil {
		if !exists {
			delete(s.sessions, sessionID)
		}
		return nil, nil, err
	}
	if occupant, taken := room.peers[bind.peerID]; taken && occupant != p {
		if !exists {
			delete(s.sessions, sessionID)
		}
		return nil, nil, errors.New("peerId mismatch")
	}

	wasMember := room.peers[bind.peerID] == p
	room.peers[bind.peerID] = p
	p.roomID = roomID

	if superseded != nil {
		go func() {
			_ = superseded.Close(websocket.StatusNormalClosure, "superseded")
		}()
	}

	if !resume || !wasMember {
		joined := protocol.PeerJoined{Type: protocol.TypePeerJoined, PeerID: bind.peerID}
		s.broadcastRoom(room, joined, bind.peerID)
		s.emitMirror(events.EventPeerJoined, roomID, joined)
	}

	existingPeers := make([]protocol.PeerSummary, 0, room.peerCount()-1)
	for peerID := range room.peers {
		if peerID == bind.peerID {
			continue
		}
		existingPeers = append(existingPeers, protocol.PeerSummary{PeerID: peerID})
	}
	existingProducers := make([]protocol.ProducerSummary, 0, len(room.producers))
	for id, entry := range room.producers {
		if entry.peerID == bind.peerID {
			continue
		}
		existingProducers = append(existingProducers, protocol.ProducerSummary{
			ProducerID: id,
			PeerID:     entry.peerID,
			Kind:       string(entry.kind),
		})
	}

	slog.InfoContext(ctx, "peer joined room",
		slog.String("room_id", roomID),
		slog.String("peer_id", bind.peerID),
		slog.String("session_id", sessionID),
		slog.Bool("resumed", resume))

	data := protocol.JoinData{
		RoomID:            roomID,
		SessionID:         sessionID,
		PeerID:            bind.peerID,
		RTPCapabilities:   room.router.RTPCapabilities(),
		ExistingPeers:     existingPeers,
		ExistingProducers: existingProducers,
	}
	welcome := protocol.Welcome{
		Type:              protocol.TypeWelcome,
		PeerID:            bind.peerID,
		SessionID:         sessionID,
		ExistingPeers:     existingPeers,
		ExistingProducers: existingProducers,
	}
	return data, welcome, nil
}

// handleListProducers returns the full producer index of a room,
// addressed either by roomId or through the requester's session.
func (s *Server) handleListProducers(bind binding, payload json.RawMessage) (any, error) {
	var req protocol.ListProducersPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("room not found")
		}
	}
	if req.RoomID != "" && bind.roomID != "" && req.RoomID != bind.roomID {
		return nil, errors.New("roomId mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	roomID := req.RoomID
	if req.SessionID != "" {
		p, err := s.resolvePeerLocked(bind, req.SessionID)
		if err != nil {
			return nil, err
		}
		if roomID == "" {
			roomID = p.roomID
		}
	}
	if roomID == "" {
		roomID = bind.roomID
	}
	if roomID == "" {
		if p, ok := s.sessions[bind.sessionID]; ok {
			roomID = p.roomID
		}
	}
	if roomID == "" {
		return nil, errors.New("room not found")
	}

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, errors.New("room not found")
	}

	list := make([]protocol.ProducerSummary, 0, len(room.producers))
	for id, entry := range room.producers {
		list = append(list, protocol.ProducerSummary{
			ProducerID: id,
			PeerID:     entry.peerID,
			Kind:       string(entry.kind),
		})
	}
	return protocol.ProducerListData{List: list}, nil
}

// handleCreateTransport creates the send or recv transport for the
// requesting peer, replacing any existing transport in that slot.
func (s *Server) handleCreateTransport(ctx context.Context, bind binding, payload json.RawMessage) (any, error) {
	var req protocol.CreateTransportPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("invalid direction")
		}
	}
	if req.Direction != directionSend && req.Direction != directionRecv {
		return nil, errors.New("invalid direction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePeerLocked(bind, req.SessionID)
	if err != nil {
		return nil, err
	}
	if p.roomID == "" {
		return nil, errors.New("room not joined")
	}
	room, ok := s.rooms[p.roomID]
	if !ok {
		return nil, errors.New("room not found")
	}

	if req.Direction == directionSend && p.sendTransport != nil {
		old := p.sendTransport
		p.sendTransport = nil
		_ = old.Close()
	}
	if req.Direction == directionRecv && p.recvTransport != nil {
		old := p.recvTransport
		p.recvTransport = nil
		_ = old.Close()
	}

	t, err := room.router.CreateTransport(ctx)
	if err != nil {
		return nil, err
	}
	sessionID := p.sessionID
	direction := req.Direction
	t.OnClosed(func() {
		go s.transportClosed(sessionID, direction, t)
	})

	if direction == directionSend {
		p.sendTransport = t
	} else {
		p.recvTransport = t
	}

	info := t.Info()
	return protocol.TransportData{
		ID:             info.ID,
		ICEParameters:  info.ICEParameters,
		ICECandidates:  info.ICECandidates,
		DTLSParameters: info.DTLSParameters,
	}, nil
}

// handleConnectTransport completes the DTLS handshake on one of the
// peer's transports.
func (s *Server) handleConnectTransport(ctx context.Context, bind binding, payload json.RawMessage) (any, error) {
	var req protocol.ConnectTransportPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("missing dtlsParameters")
		}
	}
	if req.Direction != directionSend && req.Direction != directionRecv {
		return nil, errors.New("invalid direction")
	}
	if jsonAbsent(req.DTLSParameters) {
		return nil, errors.New("missing dtlsParameters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePeerLocked(bind, req.SessionID)
	if err != nil {
		return nil, err
	}
	var t mediaengine.Transport
	if req.Direction == directionSend {
		t = p.sendTransport
	} else {
		t = p.recvTransport
	}
	if t == nil {
		return nil, errors.New("transport not found")
	}
	if err := t.Connect(ctx, req.DTLSParameters); err != nil {
		return nil, err
	}
	return protocol.ConnectData{Connected: true}, nil
}

// handleProduce creates a producer on the peer's send transport,
// indexes it in the room, announces it, and attaches audio producers
// to the level observer.
func (s *Server) handleProduce(ctx context.Context, bind binding, payload json.RawMessage) (any, error) {
	var req protocol.ProducePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("invalid kind")
		}
	}
	kind := mediaengine.Kind(req.Kind)
	if !kind.Valid() {
		return nil, errors.New("invalid kind")
	}
	if jsonAbsent(req.RTPParameters) {
		return nil, errors.New("missing rtpParameters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePeerLocked(bind, req.SessionID)
	if err != nil {
		return nil, err
	}
	if p.sendTransport == nil {
		return nil, errors.New("send transport not ready")
	}
	if p.roomID == "" {
		return nil, errors.New("room not joined")
	}
	room, ok := s.rooms[p.roomID]
	if !ok {
		return nil, errors.New("room not found")
	}

	producer, err := p.sendTransport.Produce(ctx, kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}

	id := producer.ID()
	p.producers[id] = producer
	room.producers[id] = producerEntry{peerID: p.peerID, producer: producer, kind: kind}

	announced := protocol.NewProducer{
		Type:       protocol.TypeNewProducer,
		ProducerID: id,
		PeerID:     p.peerID,
		Kind:       string(kind),
	}
	s.broadcastRoom(room, announced, p.peerID)
	s.emitMirror(events.EventNewProducer, p.roomID, announced)

	if kind == mediaengine.KindAudio && room.observer != nil {
		if err := room.observer.AddProducer(id); err != nil {
			slog.WarnContext(ctx, "observer attach failed",
				slog.String("producer_id", id),
				slog.String("error", err.Error()))
		}
	}

	slog.InfoContext(ctx, "producer created",
		slog.String("room_id", p.roomID),
		slog.String("peer_id", p.peerID),
		slog.String("producer_id", id),
		slog.String("kind", string(kind)))

	return protocol.ProduceData{ProducerID: id}, nil
}

// handleConsume creates a consumer on the peer's recv transport for a
// remote producer. Peers never consume their own producers.
func (s *Server) handleConsume(ctx context.Context, bind binding, payload json.RawMessage) (any, error) {
	var req protocol.ConsumePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("producer not found")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePeerLocked(bind, req.SessionID)
	if err != nil {
		return nil, err
	}
	if p.roomID == "" {
		return nil, errors.New("room not joined")
	}
	room, ok := s.rooms[p.roomID]
	if !ok {
		return nil, errors.New("room not found")
	}

	entry, ok := room.producers[req.ProducerID]
	if !ok {
		return nil, errors.New("producer not found")
	}
	if entry.peerID == p.peerID {
		return nil, errors.New("cannot consume self")
	}
	if p.recvTransport == nil {
		return nil, errors.New("recv transport not ready")
	}
	if !room.router.CanConsume(req.ProducerID, req.RTPCapabilities) {
		return nil, errors.New("cannot consume")
	}

	consumer, err := p.recvTransport.Consume(ctx, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	p.consumers[consumer.ID()] = consumer

	return protocol.ConsumeData{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          string(consumer.Kind()),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// handleProducerRef serves pauseProducer and resumeProducer.
func (s *Server) handleProducerRef(ctx context.Context, bind binding, payload json.RawMessage, pause bool) (any, error) {
	var req protocol.ProducerRefPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("producer not found")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePeerLocked(bind, req.SessionID)
	if err != nil {
		return nil, err
	}
	producer, ok := p.producers[req.ProducerID]
	if !ok {
		return nil, errors.New("producer not found")
	}
	if pause {
		if err := producer.Pause(ctx); err != nil {
			return nil, err
		}
		return protocol.PausedData{Paused: true}, nil
	}
	if err := producer.Resume(ctx); err != nil {
		return nil, err
	}
	return protocol.ResumedData{Resumed: true}, nil
}

// handleConsumerRef serves pauseConsumer and resumeConsumer.
func (s *Server) handleConsumerRef(ctx context.Context, bind binding, payload json.RawMessage, pause bool) (any, error) {
	var req protocol.ConsumerRefPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("consumer not found")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePeerLocked(bind, req.SessionID)
	if err != nil {
		return nil, err
	}
	consumer, ok := p.consumers[req.ConsumerID]
	if !ok {
		return nil, errors.New("consumer not found")
	}
	if pause {
		if err := consumer.Pause(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := consumer.Resume(ctx); err != nil {
			return nil, err
		}
	}
	return struct{}{}, nil
}
