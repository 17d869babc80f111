// Package protocol defines the JSON envelopes exchanged on the
// signaling channel: client requests, server responses, and server
// pushed events.
package protocol

import "encoding/json"

// Request types accepted by the dispatcher.
const (
	TypeJoin             = "join"
	TypeResumeSession    = "resumeSession"
	TypeListProducers    = "listProducers"
	TypeGetRoomProducers = "getRoomProducers"
	TypeCreateTransport  = "createTransport"
	TypeConnectTransport = "connectTransport"
	TypeProduce          = "produce"
	TypeConsume          = "consume"
	TypePauseProducer    = "pauseProducer"
	TypeResumeProducer   = "resumeProducer"
	TypePauseConsumer    = "pauseConsumer"
	TypeResumeConsumer   = "resumeConsumer"
)

// Server pushed message types.
const (
	TypeResponse         = "response"
	TypeWelcome          = "welcome"
	TypePeerJoined       = "peerJoined"
	TypePeerLeft         = "peerLeft"
	TypeNewProducer      = "newProducer"
	TypeProducerClosed   = "producerClosed"
	TypeProducerSpeaking = "producerSpeaking"
)

// Request is the client-to-server envelope. Payload is decoded by the
// handler for the given type.
type Request struct {
	Type      string          `json:"type"`
	RequestID int64           `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

// Response is the server reply to exactly one Request.
type Response struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data"`
}

// ErrorData carries the failure kind for ok:false responses.
type ErrorData struct {
	Error string `json:"error"`
}

// JoinPayload is shared by join and resumeSession.
type JoinPayload struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId,omitempty"`
}

// ListProducersPayload addresses a room snapshot request.
type ListProducersPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// CreateTransportPayload names the transport direction: send or recv.
type CreateTransportPayload struct {
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
}

// ConnectTransportPayload carries client DTLS parameters.
type ConnectTransportPayload struct {
	SessionID      string          `json:"sessionId"`
	Direction      string          `json:"direction"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ProducePayload creates a producer on the peer's send transport.
type ProducePayload struct {
	SessionID     string          `json:"sessionId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       json.RawMessage `json:"appData,omitempty"`
}

// ConsumePayload consumes a remote producer into the recv transport.
type ConsumePayload struct {
	SessionID       string          `json:"sessionId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// ProducerRefPayload addresses a producer owned by the session's peer.
type ProducerRefPayload struct {
	SessionID  string `json:"sessionId"`
	ProducerID string `json:"producerId"`
}

// ConsumerRefPayload addresses a consumer owned by the session's peer.
type ConsumerRefPayload struct {
	SessionID  string `json:"sessionId"`
	ConsumerID string `json:"consumerId"`
}

// PeerSummary is one entry of existingPeers.
type PeerSummary struct {
	PeerID string `json:"peerId"`
}

// ProducerSummary is one entry of existingProducers and producer lists.
type ProducerSummary struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
}

// JoinData is the response data for join and resumeSession.
type JoinData struct {
	RoomID            string            `json:"roomId"`
	SessionID         string            `json:"sessionId"`
	PeerID            string            `json:"peerId"`
	RTPCapabilities   json.RawMessage   `json:"rtpCapabilities"`
	ExistingPeers     []PeerSummary     `json:"existingPeers"`
	ExistingProducers []ProducerSummary `json:"existingProducers"`
}

// ProducerListData is the response data for listProducers.
type ProducerListData struct {
	List []ProducerSummary `json:"list"`
}

// TransportData is the response data for createTransport.
type TransportData struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ConsumeData is the response data for consume.
type ConsumeData struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// ProduceData is the response data for produce.
type ProduceData struct {
	ProducerID string `json:"producerId"`
}

// ConnectData is the response data for connectTransport.
type ConnectData struct {
	Connected bool `json:"connected"`
}

// PausedData acknowledges pauseProducer.
type PausedData struct {
	Paused bool `json:"paused"`
}

// ResumedData acknowledges resumeProducer.
type ResumedData struct {
	Resumed bool `json:"resumed"`
}

// Welcome is pushed unsolicited on accept and again after a successful
// join or resumeSession, then carrying the room snapshot.
type Welcome struct {
	Type              string            `json:"type"`
	PeerID            string            `json:"peerId"`
	SessionID         string            `json:"sessionId,omitempty"`
	Hint              string            `json:"hint,omitempty"`
	ExistingPeers     []PeerSummary     `json:"existingPeers,omitempty"`
	ExistingProducers []ProducerSummary `json:"existingProducers,omitempty"`
}

// PeerJoined announces a new room member to the other members.
type PeerJoined struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// PeerLeft announces final departure of a room member.
type PeerLeft struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// NewProducer announces a producer to the other room members.
type NewProducer struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
}

// ProducerClosed announces producer teardown during final peer
// destruction. It is never emitted while a reconnecting peer's media
// is being reset.
type ProducerClosed struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
}

// ProducerSpeaking reports a voice-activity transition for a producer.
// Volume is present only when speaking is true.
type ProducerSpeaking struct {
	Type       string   `json:"type"`
	ProducerID string   `json:"producerId"`
	PeerID     string   `json:"peerId"`
	Speaking   bool     `json:"speaking"`
	Volume     *float64 `json:"volume,omitempty"`
}
