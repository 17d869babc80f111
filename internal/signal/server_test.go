package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxmesh/voxmesh/internal/mediaengine/mock"
	"github.com/voxmesh/voxmesh/internal/signal/protocol"
	"github.com/voxmesh/voxmesh/internal/signal/token"
)

func startTestServer(t *testing.T) (*Server, *token.Codec, string) {
	t.Helper()
	codec := token.NewCodec("ws-test-secret")
	s := NewServer(Options{
		Engine:      mock.NewEngine(),
		Codec:       codec,
		GraceWindow: 50 * time.Millisecond,
	})
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(ts.Close)
	return s, codec, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func mintToken(codec *token.Codec, roomID, peerID, jti string) string {
	now := time.Now()
	return codec.Sign(token.Claims{
		RoomID: roomID,
		PeerID: peerID,
		JTI:    jti,
		IAT:    now.Unix(),
		EXP:    now.Add(time.Minute).Unix(),
	})
}

func dial(t *testing.T, wsURL, tok string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := wsURL
	if tok != "" {
		u += "?token=" + url.QueryEscape(tok)
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func wantClosed(t *testing.T, conn *websocket.Conn, reason string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("close status = %v, want 1008 (err %v)", websocket.CloseStatus(err), err)
		}
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != reason {
			t.Fatalf("close reason = %q, want %q", ce.Reason, reason)
		}
		return
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, _, wsURL := startTestServer(t)
	conn := dial(t, wsURL, "")
	defer conn.CloseNow()
	wantClosed(t, conn, "missing token")
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, _, wsURL := startTestServer(t)
	conn := dial(t, wsURL, "not-a-token")
	defer conn.CloseNow()
	wantClosed(t, conn, "bad_format")
}

func TestHandshakeRejectsReplayedToken(t *testing.T) {
	_, codec, wsURL := startTestServer(t)
	tok := mintToken(codec, "room-1", "alice", "nonce-replay")

	first := dial(t, wsURL, tok)
	defer first.CloseNow()
	msg := readJSON(t, first)
	if msg["type"] != protocol.TypeWelcome {
		t.Fatalf("first message type = %v, want welcome", msg["type"])
	}

	second := dial(t, wsURL, tok)
	defer second.CloseNow()
	wantClosed(t, second, "replayed")
}

func TestJoinOverWebSocket(t *testing.T) {
	_, codec, wsURL := startTestServer(t)
	conn := dial(t, wsURL, mintToken(codec, "room-1", "alice", "nonce-join"))
	defer conn.CloseNow()

	welcome := readJSON(t, conn)
	if welcome["type"] != protocol.TypeWelcome || welcome["peerId"] != "alice" {
		t.Fatalf("welcome = %v", welcome)
	}
	if hint, _ := welcome["hint"].(string); hint == "" {
		t.Error("welcome hint missing")
	}

	writeJSON(t, conn, map[string]any{
		"type":      protocol.TypeJoin,
		"requestId": 7,
		"payload":   map[string]any{"roomId": "room-1"},
	})

	resp := readJSON(t, conn)
	if resp["type"] != protocol.TypeResponse {
		t.Fatalf("response type = %v", resp["type"])
	}
	if resp["requestId"] != float64(7) {
		t.Errorf("requestId = %v, want 7", resp["requestId"])
	}
	if resp["ok"] != true {
		t.Fatalf("join not ok: %v", resp)
	}
	data := resp["data"].(map[string]any)
	sid, _ := data["sessionId"].(string)
	if data["roomId"] != "room-1" || data["peerId"] != "alice" || sid == "" {
		t.Errorf("join data = %v", data)
	}

	followup := readJSON(t, conn)
	if followup["type"] != protocol.TypeWelcome {
		t.Errorf("followup type = %v, want welcome", followup["type"])
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	_, codec, wsURL := startTestServer(t)
	conn := dial(t, wsURL, mintToken(codec, "room-1", "alice", "nonce-garbage"))
	defer conn.CloseNow()
	readJSON(t, conn) // welcome

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	writeJSON(t, conn, map[string]any{
		"type":      protocol.TypeJoin,
		"requestId": 1,
		"payload":   map[string]any{"roomId": "room-1"},
	})
	resp := readJSON(t, conn)
	if resp["ok"] != true {
		t.Fatalf("join after garbage not ok: %v", resp)
	}
}

func TestRequestFailureKeepsConnectionOpen(t *testing.T) {
	_, codec, wsURL := startTestServer(t)
	conn := dial(t, wsURL, mintToken(codec, "room-1", "alice", "nonce-fail"))
	defer conn.CloseNow()
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{
		"type":      protocol.TypeProduce,
		"requestId": 1,
		"payload":   map[string]any{"kind": "audio"},
	})
	resp := readJSON(t, conn)
	if resp["ok"] != false {
		t.Fatalf("expected failure response, got %v", resp)
	}

	// Channel is still usable afterwards.
	writeJSON(t, conn, map[string]any{
		"type":      protocol.TypeJoin,
		"requestId": 2,
		"payload":   map[string]any{"roomId": "room-1"},
	})
	resp = readJSON(t, conn)
	if resp["ok"] != true {
		t.Fatalf("join after failure not ok: %v", resp)
	}
}
