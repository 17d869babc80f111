// Package token mints and verifies the signed, time-bound, single-use
// capability tokens that gate the signaling channel. A token binds a
// room and peer identity (and optionally a session) and may be
// consumed at most once before its expiry.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// MaxClockSkew is how far into the future an iat may lie before the
// token is rejected.
const MaxClockSkew = 30 * time.Second

// Verification failure kinds. The supervisor forwards these verbatim
// as the websocket close reason.
var (
	ErrBadFormat         = errors.New("bad_format")
	ErrBadSignature      = errors.New("bad_sig")
	ErrExpired           = errors.New("expired")
	ErrIATInFuture       = errors.New("iat_in_future")
	ErrRoomIDMismatch    = errors.New("roomId_mismatch")
	ErrPeerIDMismatch    = errors.New("peerId_mismatch")
	ErrSessionIDMismatch = errors.New("sessionId_mismatch")
	ErrReplayed          = errors.New("replayed")
)

// Claims is the token payload.
type Claims struct {
	RoomID    string `json:"roomId"`
	PeerID    string `json:"peerId"`
	SessionID string `json:"sessionId,omitempty"`
	JTI       string `json:"jti"`
	IAT       int64  `json:"iat"`
	EXP       int64  `json:"exp"`
}

// VerifyOptions holds the optional binding checks applied during
// verification. Empty expectations are skipped.
type VerifyOptions struct {
	ExpectRoomID    string
	ExpectPeerID    string
	ExpectSessionID string

	// ConsumeJTI records the token nonce so that a second
	// presentation before exp is rejected as replayed.
	ConsumeJTI bool
}

// Codec signs and verifies tokens under one process-wide shared
// secret and owns the live-nonce table enforcing single use.
type Codec struct {
	secret []byte

	mu   sync.Mutex
	used map[string]int64 // jti -> exp (unix seconds), eviction time

	now func() time.Time
}

// NewCodec creates a codec for the given shared secret.
func NewCodec(secret string) *Codec {
	return &Codec{
		secret: []byte(secret),
		used:   make(map[string]int64),
		now:    time.Now,
	}
}

// Sign encodes the claims and appends the HMAC-SHA256 signature,
// producing "<payloadB64>.<sigB64>" with unpadded URL-safe base64.
func (c *Codec) Sign(claims Claims) string {
	raw, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + c.signature(payload)
}

func (c *Codec) signature(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a token string and returns its claims. The checks run
// in a strict order: format, signature, payload shape, expiry, issue
// time, identity bindings, and finally single-use consumption.
func (c *Codec) Verify(tok string, opts VerifyOptions) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return Claims{}, ErrBadFormat
	}

	if !hmac.Equal([]byte(c.signature(parts[0])), []byte(parts[1])) {
		return Claims{}, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrBadFormat
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Claims{}, ErrBadFormat
	}

	claims, err := claimsFromFields(fields)
	if err != nil {
		return Claims{}, err
	}

	now := c.now().Unix()
	if claims.EXP <= now {
		return Claims{}, ErrExpired
	}
	if claims.IAT > now+int64(MaxClockSkew/time.Second) {
		return Claims{}, ErrIATInFuture
	}

	if opts.ExpectRoomID != "" && claims.RoomID != opts.ExpectRoomID {
		return Claims{}, ErrRoomIDMismatch
	}
	if opts.ExpectPeerID != "" && claims.PeerID != opts.ExpectPeerID {
		return Claims{}, ErrPeerIDMismatch
	}
	if opts.ExpectSessionID != "" && claims.SessionID != opts.ExpectSessionID {
		return Claims{}, ErrSessionIDMismatch
	}

	if opts.ConsumeJTI {
		c.mu.Lock()
		c.reapLocked(now)
		if _, seen := c.used[claims.JTI]; seen {
			c.mu.Unlock()
			return Claims{}, ErrReplayed
		}
		c.used[claims.JTI] = claims.EXP
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		c.reapLocked(now)
		c.mu.Unlock()
	}

	return claims, nil
}

// reapLocked evicts nonces whose exp has passed; they can no longer
// be replayed because verification rejects expired tokens first.
func (c *Codec) reapLocked(now int64) {
	for jti, exp := range c.used {
		if exp <= now {
			delete(c.used, jti)
		}
	}
}

func claimsFromFields(fields map[string]any) (Claims, error) {
	var claims Claims
	var err error

	if claims.RoomID, err = stringField(fields, "roomId"); err != nil {
		return Claims{}, err
	}
	if claims.PeerID, err = stringField(fields, "peerId"); err != nil {
		return Claims{}, err
	}
	if claims.JTI, err = stringField(fields, "jti"); err != nil {
		return Claims{}, err
	}
	if claims.IAT, err = intField(fields, "iat"); err != nil {
		return Claims{}, err
	}
	if claims.EXP, err = intField(fields, "exp"); err != nil {
		return Claims{}, err
	}

	// sessionId is optional but must be a string when present.
	if v, ok := fields["sessionId"]; ok {
		s, ok := v.(string)
		if !ok {
			return Claims{}, errors.New("no_sessionId")
		}
		claims.SessionID = s
	}

	return claims, nil
}

func stringField(fields map[string]any, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", errors.New("no_" + name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.New("no_" + name)
	}
	return s, nil
}

func intField(fields map[string]any, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, errors.New("no_" + name)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.New("no_" + name)
	}
	return int64(f), nil
}
