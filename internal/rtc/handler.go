package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chadiek/turn-agent/internal/agent"
	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/chadiek/turn-agent/internal/dialog"
	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/tts"
	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ConversationFactory builds the conversation for one call. mic is the
// caller's audio, sink is the agent's outgoing audio and obs forwards
// conversation events to the caller's control channel.
type ConversationFactory func(callID string, mic capture.Microphone, sink tts.Sink, obs agent.Observer) *agent.Orchestrator

// Handler manages WebRTC peer connections, one conversation per call.
type Handler struct {
	newConversation ConversationFactory
	iceServers      []webrtc.ICEServer
	vad             VADParams
}

func NewHandler(f ConversationFactory) *Handler {
	return &Handler{
		newConversation: f,
		iceServers:      defaultICEServers(),
		vad:             DefaultVADParams(),
	}
}

// WithICEServers replaces the ICE servers with a JSON list; invalid or
// empty input keeps the default STUN server.
func (h *Handler) WithICEServers(iceJSON string) *Handler {
	h.iceServers = parseICEServers(iceJSON)
	return h
}

func (h *Handler) WithVAD(p VADParams) *Handler {
	h.vad = p
	return h
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE
// gathering is complete.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	pc, outTrack, err := h.createPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	if _, err := h.attach(pc, outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// createPeer prepares a PeerConnection with codecs, interceptors and the
// agent's outgoing audio track.
func (h *Handler) createPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: speakerRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// call is one connected caller.
type call struct {
	id     string
	log    *slog.Logger
	pc     *webrtc.PeerConnection
	out    *OpusPacedWriter
	mic    *Microphone
	conv   *agent.Orchestrator
	events *controlObserver
	cancel context.CancelFunc
	once   sync.Once
}

// attach wires the conversation to the peer connection: the remote audio
// track feeds the microphone, the local track plays the agent and the
// "control" data channel carries commands in and events out.
func (h *Handler) attach(pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) (*call, error) {
	out, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		return nil, err
	}
	c := &call{
		id:     uuid.NewString(),
		pc:     pc,
		out:    out,
		events: newControlObserver(),
	}
	c.log = logger.ForCall(c.id)
	c.mic = NewMicrophone(h.vad, c.log)
	c.conv = h.newConversation(c.id, c.mic, out, c.events)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() { _ = c.conv.Run(ctx) }()
	go c.events.pump(ctx)
	c.log.Info("call created")

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.close()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debug("ice state", "state", state.String())
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		c.log.Debug("control channel opened")
		c.events.bind(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd, ok := parseCommand(msg.Data)
			if !ok {
				c.log.Debug("unknown control message", "data", string(msg.Data))
				return
			}
			c.command(cmd)
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Info("remote audio track received", "codec", remote.Codec().MimeType)
		dec, err := opus.NewDecoder(micRate, 1)
		if err != nil {
			c.log.Error("opus decoder", "error", err)
			c.mic.Shutdown()
			return
		}
		c.mic.Attach()
		go c.readMic(remote, dec)
	})
	return c, nil
}

func (c *call) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	defer c.mic.Shutdown()
	samples := make([]int16, 1920)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.log.Debug("rtp read", "error", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			c.log.Debug("opus decode", "error", err)
			continue
		}
		c.mic.Feed(samples[:n])
	}
}

func (c *call) command(cmd command) {
	switch cmd.Type {
	case "start":
		c.conv.Start()
	case "end":
		c.conv.End()
	case "listen":
		c.conv.Listen()
	case "say":
		c.conv.Submit(cmd.Text)
	}
}

// close ends the conversation and releases media. Safe to call repeatedly.
func (c *call) close() {
	c.once.Do(func() {
		snap := c.conv.Snapshot()
		for i, u := range snap.Transcript {
			c.log.Info("transcript", "n", i+1, "speaker", u.Speaker.String(), "text", u.Text)
		}
		c.cancel()
		c.mic.Shutdown()
		c.out.Reset()
		// give the pacer a moment to stop mid-frame before tearing down
		time.AfterFunc(400*time.Millisecond, c.out.Close)
		_ = c.pc.Close()
		c.log.Info("call closed", "turns", len(snap.Transcript))
	})
}

// command is an inbound control message. Clients send either JSON such as
// {"type":"say","text":"Order pizza"} or a bare word like "start".
type command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func parseCommand(data []byte) (command, bool) {
	var cmd command
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return command{}, false
		}
	} else {
		cmd.Type = raw
	}
	cmd.Type = strings.ToLower(strings.TrimSpace(cmd.Type))
	switch cmd.Type {
	case "start", "end", "listen":
		return cmd, true
	case "stop", "hangup":
		return command{Type: "end"}, true
	case "say":
		cmd.Text = strings.TrimSpace(cmd.Text)
		return cmd, cmd.Text != ""
	}
	return command{}, false
}

// controlEvent is an outbound control message.
type controlEvent struct {
	Type    string    `json:"type"`
	State   string    `json:"state,omitempty"`
	Speaker string    `json:"speaker,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Text    string    `json:"text,omitempty"`
	At      time.Time `json:"at,omitzero"`
}

type textSender interface {
	SendText(s string) error
}

// controlObserver forwards conversation events to the control channel.
// Events raised before the channel opens are dropped.
type controlObserver struct {
	queue chan controlEvent
	dc    atomic.Pointer[textSender]
}

func newControlObserver() *controlObserver {
	return &controlObserver{queue: make(chan controlEvent, 64)}
}

func (o *controlObserver) bind(dc textSender) { o.dc.Store(&dc) }

func (o *controlObserver) StateChanged(s agent.State) {
	o.push(controlEvent{Type: "state", State: s.String()})
}

func (o *controlObserver) Utterance(u dialog.Utterance) {
	o.push(controlEvent{Type: "utterance", Speaker: u.Speaker.String(), Text: u.Text, At: u.At})
}

func (o *controlObserver) Notice(n agent.Notice) {
	o.push(controlEvent{Type: "notice", Kind: n.Kind.String(), Text: n.Text})
}

func (o *controlObserver) push(ev controlEvent) {
	select {
	case o.queue <- ev:
	default:
		logger.Debug("control event dropped", "type", ev.Type)
	}
}

func (o *controlObserver) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.queue:
			p := o.dc.Load()
			if p == nil {
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := (*p).SendText(string(b)); err != nil {
				logger.Debug("control send", "error", err)
			}
		}
	}
}

func defaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return defaultICEServers()
}
