package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// Conn is the signaling channel to one client. Implementations must
// be safe for concurrent Send calls, and Send must never block on the
// client.
type Conn interface {
	Send(msg any) error
	Close(code websocket.StatusCode, reason string) error
}

// wsConn adapts a websocket connection to Conn. Sends are queued and
// drained by a single writer goroutine, so a slow client never stalls
// the caller while per-connection ordering is preserved. A client
// whose queue fills loses messages rather than holding up a room
// fan-out.
type wsConn struct {
	ws     *websocket.Conn
	sendCh chan []byte

	once sync.Once
	done chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.stop()
				return
			}
		}
	}
}

func (c *wsConn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	case c.sendCh <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// stop halts the writer goroutine. Idempotent.
func (c *wsConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	c.stop()
	return c.ws.Close(code, reason)
}

// broadcastRoom sends msg to every member of room except
// excludePeerID. Members in grace have no connection and are skipped;
// send failures are swallowed so one bad peer cannot interrupt the
// fan-out. Callers must hold s.mu.
func (s *Server) broadcastRoom(room *Room, msg any, excludePeerID string) {
	for peerID, member := range room.peers {
		if peerID == excludePeerID {
			continue
		}
		if member.conn == nil {
			continue
		}
		_ = member.conn.Send(msg)
	}
}
