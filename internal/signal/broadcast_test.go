package signal

import (
	"testing"
	"time"

	"github.com/voxmesh/voxmesh/internal/signal/protocol"
)

func TestSendDoesNotBlockOnFullQueue(t *testing.T) {
	// No writer goroutine draining, so the queue stays full.
	c := &wsConn{sendCh: make(chan []byte, 1), done: make(chan struct{})}

	if err := c.Send("one"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send("two"); err != errSendQueueFull {
		t.Errorf("full queue: err = %v, want %v", err, errSendQueueFull)
	}

	c.stop()
	if err := c.Send("three"); err != errConnClosed {
		t.Errorf("after stop: err = %v, want %v", err, errConnClosed)
	}
}

func TestBroadcastSurvivesSaturatedMember(t *testing.T) {
	s, _ := testServer(t)
	// Unbuffered queue with no writer: every send would block if Send
	// were not queue-based.
	stuck := &wsConn{sendCh: make(chan []byte), done: make(chan struct{})}
	healthy := &fakeConn{}
	room := &Room{
		id: "room-1",
		peers: map[string]*Peer{
			"stuck":   {peerID: "stuck", conn: stuck},
			"healthy": {peerID: "healthy", conn: healthy},
		},
	}

	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.broadcastRoom(room, protocol.PeerLeft{Type: protocol.TypePeerLeft, PeerID: "ghost"}, "")
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a saturated member")
	}

	if healthy.countType(protocol.TypePeerLeft) != 1 {
		t.Error("healthy member missed the broadcast")
	}
}
