package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// realtimeWSMessage is a minimal signaling message format compatible with common Realtime APIs.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type realtimeWSMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// the widget is served from other origins; access is gated by the password
		return true
	},
}

// wsConn serialises writes; pion callbacks and the handler write concurrently.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(m realtimeWSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteJSON(m)
}

func (c *wsConn) fail(err error) {
	_ = c.send(realtimeWSMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer + trickle ICE signaling.
// It expects messages: auth(optional) -> offer -> candidates... and responds with answer + candidates.
// The socket stays open for the life of the call; "bye" or a closed socket hangs up.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws upgrade", "error", err)
		return
	}
	conn := &wsConn{Conn: raw}
	defer func() { _ = conn.Close() }()

	if authPassword != "" && !Authorized(r, authPassword) {
		// fall back to waiting for an auth message as first frame
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			conn.fail(errors.New("auth required"))
			return
		}
		if mt != websocket.TextMessage {
			conn.fail(errors.New("invalid auth frame"))
			return
		}
		var m realtimeWSMessage
		if jerr := json.Unmarshal(data, &m); jerr != nil || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			conn.fail(errors.New("unauthorized"))
			return
		}
	}

	offerSDP, ok := readOffer(conn)
	if !ok {
		return
	}

	pc, outTrack, err := h.createPeer()
	if err != nil {
		conn.fail(err)
		return
	}
	c, err := h.attach(pc, outTrack)
	if err != nil {
		_ = pc.Close()
		conn.fail(err)
		return
	}
	defer c.close()

	// Trickle local candidates to client
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			_ = conn.send(realtimeWSMessage{Type: "ice-complete"})
			return
		}
		init := cand.ToJSON()
		_ = conn.send(realtimeWSMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		conn.fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.fail(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		conn.fail(errors.New("no local description"))
		return
	}
	if err := conn.send(realtimeWSMessage{Type: "answer", SDP: local.SDP}); err != nil {
		c.log.Warn("ws write answer", "error", err)
		return
	}

	// Remote trickle candidates until the client hangs up.
	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		var m realtimeWSMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				c.log.Debug("add ice candidate", "error", err)
			}
		case "bye":
			return
		}
	}
}

// readOffer reads frames until an offer arrives. It returns false on "bye"
// or a read error.
func readOffer(conn *wsConn) (string, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("ws read before offer", "error", err)
			return "", false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m realtimeWSMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, true
			}
		case "bye":
			return "", false
		}
	}
}

// Authorized reports whether r carries password as a query parameter,
// a bearer token or an X-Auth-Token header.
func Authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
