package signal

import (
	"time"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// Peer is one live session's server-side record. The sessionId is the
// stable identity across reconnects; the peerId is the room-local
// identity bound by the token. All fields are guarded by the owning
// Server's mutex.
type Peer struct {
	sessionID string
	peerID    string
	roomID    string

	conn Conn

	sendTransport mediaengine.Transport
	recvTransport mediaengine.Transport
	producers     map[string]mediaengine.Producer
	consumers     map[string]mediaengine.Consumer

	graceTimer     *time.Timer
	disconnectedAt time.Time
}

func newPeer(sessionID, peerID string, conn Conn) *Peer {
	return &Peer{
		sessionID: sessionID,
		peerID:    peerID,
		conn:      conn,
		producers: make(map[string]mediaengine.Producer),
		consumers: make(map[string]mediaengine.Consumer),
	}
}

// SessionID returns the peer's stable session identity.
func (p *Peer) SessionID() string { return p.sessionID }

// PeerID returns the peer's room-local identity.
func (p *Peer) PeerID() string { return p.peerID }

// producerEntry is one row of a room's producer index.
type producerEntry struct {
	peerID   string
	producer mediaengine.Producer
	kind     mediaengine.Kind
}

// Room holds a router handle and the per-room indexes: membership by
// peerId, producers by producerId, and the set of producers currently
// flagged speaking. Guarded by the owning Server's mutex.
type Room struct {
	id       string
	router   mediaengine.Router
	observer mediaengine.AudioLevelObserver

	peers     map[string]*Peer
	producers map[string]producerEntry
	speaking  map[string]struct{}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// PeerCount returns the number of members. Callers must hold the
// owning Server's mutex.
func (r *Room) peerCount() int { return len(r.peers) }
