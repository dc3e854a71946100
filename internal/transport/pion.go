package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/media"
)

var errNotSendable = errors.New("source cannot be attached to a peer connection")

type Config struct {
	SignalingURL string
	Header       http.Header
	ICEServers   []string

	// TURNURLs get time-limited credentials derived from TURNSecret.
	TURNURLs    []string
	TURNSecret  string
	TURNCredTTL time.Duration

	// DialTimeout bounds the retried signaling dial.
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SignalingURL: "ws://localhost:7000/ws",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		TURNCredTTL: time.Hour,
		DialTimeout: 15 * time.Second,
	}
}

// iceServers returns the STUN entries plus, when a shared secret is configured,
// TURN entries with long-term credentials.
func (c Config) iceServers() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICEServers})
	}
	if len(c.TURNURLs) == 0 || c.TURNSecret == "" {
		return servers, nil
	}
	ttl := c.TURNCredTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	username, password, err := turn.GenerateLongTermCredentials(c.TURNSecret, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TURN credentials: %w", err)
	}
	return append(servers, webrtc.ICEServer{
		URLs:           c.TURNURLs,
		Username:       username,
		Credential:     password,
		CredentialType: webrtc.ICECredentialTypePassword,
	}), nil
}

// PionConnector opens one pion peer connection per session and negotiates it with an
// SFU over JSON-RPC signaling.
type PionConnector struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.Logger
}

// NewPionConnector uses api for peer connections. A nil api registers pion's default codecs.
func NewPionConnector(cfg Config, api *webrtc.API, logger *zap.Logger) (*PionConnector, error) {
	if cfg.SignalingURL == "" {
		return nil, errors.New("transport: signaling url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if api == nil {
		m := &webrtc.MediaEngine{}
		if err := m.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
		api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	}
	if logger == nil {
		logger = zap.L().Named("transport")
	}
	return &PionConnector{cfg: cfg, api: api, logger: logger}, nil
}

func (c *PionConnector) Connect(ctx context.Context, sessionID string) (Peer, error) {
	logger := c.logger.With(zap.String("session_id", sessionID))

	servers, err := c.cfg.iceServers()
	if err != nil {
		return nil, err
	}
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sig, err := dialSignaling(ctx, c.cfg.SignalingURL, c.cfg.Header, c.cfg.DialTimeout, logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &pionPeer{
		sid:    sessionID,
		pc:     pc,
		sig:    sig,
		logger: logger,
	}
	p.setupCallbacks()
	go sig.readLoop(p.handleMessage)

	logger.Info("Peer connection created", zap.String("signaling_url", c.cfg.SignalingURL))
	return p, nil
}

type remoteEvent struct {
	participantID string
	track         media.RemoteTrack
	ended         bool
}

type pionPeer struct {
	sid    string
	pc     *webrtc.PeerConnection
	sig    *signalingConn
	logger *zap.Logger

	joined      atomic.Bool
	negotiating atomic.Bool

	mu          sync.Mutex
	senders     []*rtpSender
	pendingCall *jsonrpc2.ID
	onTrack     func(string, media.RemoteTrack)
	onEnded     func(string, string)
	queued      []remoteEvent
	remotes     map[string]*remoteStats

	closeOnce sync.Once
}

type remoteStats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (p *pionPeer) setupCallbacks() {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))
	})
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := p.sig.notify("trickle", &Candidate{Target: 0, Candidate: &init}); err != nil {
			p.logger.Debug("Failed to send ICE candidate", zap.Error(err))
		}
	})
	p.pc.OnNegotiationNeeded(func() {
		if !p.negotiating.CompareAndSwap(false, true) {
			p.logger.Debug("Skipping negotiation, already in progress")
			return
		}
		defer p.negotiating.Store(false)
		if err := p.negotiate(); err != nil {
			p.logger.Warn("Negotiation failed", zap.Error(err))
		}
	})
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.handleTrack(track)
	})
}

// negotiate sends an offer; the first one is a join for the session's room.
func (p *pionPeer) negotiate() error {
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		return errors.New("signaling state not stable")
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	method := "offer"
	if p.joined.CompareAndSwap(false, true) {
		method = "join"
	}
	id, err := p.sig.call(method, &SendOffer{SID: p.sid, Offer: p.pc.LocalDescription()})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	p.mu.Lock()
	p.pendingCall = &id
	p.mu.Unlock()
	return nil
}

func (p *pionPeer) handleMessage(msg message) {
	var err error
	switch msg.Method {
	case "":
		err = p.handleResponse(msg)
	case "offer":
		err = p.handleOffer(msg.Params)
	case "trickle":
		err = p.handleTrickle(msg.Params)
	default:
		p.logger.Debug("Ignoring signaling method", zap.String("method", msg.Method))
	}
	if err != nil {
		p.logger.Warn("Failed to handle signaling message", zap.String("method", msg.Method), zap.Error(err))
	}
}

func (p *pionPeer) handleResponse(msg message) error {
	p.mu.Lock()
	pending := p.pendingCall
	if pending != nil && *pending == msg.ID {
		p.pendingCall = nil
	} else {
		pending = nil
	}
	p.mu.Unlock()

	if msg.Err != nil {
		return fmt.Errorf("SFU error %d: %s", msg.Err.Code, msg.Err.Message)
	}
	if pending == nil || len(msg.Result) == 0 {
		return nil
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Result, &answer); err != nil {
		return fmt.Errorf("failed to unmarshal answer: %w", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) handleOffer(params json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(params, &offer); err != nil {
		return fmt.Errorf("failed to unmarshal offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return p.sig.notify("answer", &SendAnswer{SID: p.sid, Answer: p.pc.LocalDescription()})
}

func (p *pionPeer) handleTrickle(params json.RawMessage) error {
	var c Candidate
	if err := json.Unmarshal(params, &c); err != nil {
		return fmt.Errorf("failed to unmarshal trickle: %w", err)
	}
	if c.Candidate == nil {
		return errors.New("received nil ICE candidate")
	}
	return p.pc.AddICECandidate(*c.Candidate)
}

// handleTrack reports the track under its stream id and reads it until EOF.
func (p *pionPeer) handleTrack(track *webrtc.TrackRemote) {
	participantID := track.StreamID()
	p.logger.Info("Received track",
		zap.String("participant_id", participantID),
		zap.String("track_id", track.ID()),
		zap.String("kind", track.Kind().String()),
		zap.Uint32("ssrc", uint32(track.SSRC())),
		zap.String("codec", track.Codec().MimeType))

	stats := &remoteStats{}
	p.mu.Lock()
	if p.remotes == nil {
		p.remotes = make(map[string]*remoteStats)
	}
	p.remotes[track.ID()] = stats
	p.mu.Unlock()

	p.emit(remoteEvent{participantID: participantID, track: track})

	go func() {
		var pkt *rtp.Packet
		var err error
		for {
			pkt, _, err = track.ReadRTP()
			if err != nil {
				break
			}
			stats.packets.Add(1)
			stats.bytes.Add(uint64(len(pkt.Payload)))
		}
		if !errors.Is(err, io.EOF) {
			p.logger.Debug("Remote track read stopped", zap.String("track_id", track.ID()), zap.Error(err))
		}
		p.logger.Info("Remote track ended",
			zap.String("track_id", track.ID()),
			zap.Uint64("packets", stats.packets.Load()),
			zap.Uint64("bytes", stats.bytes.Load()))
		p.emit(remoteEvent{participantID: participantID, track: track, ended: true})
	}()
}

// emit delivers e, or queues it until a handler is registered.
func (p *pionPeer) emit(e remoteEvent) {
	p.mu.Lock()
	onTrack, onEnded := p.onTrack, p.onEnded
	if (e.ended && onEnded == nil) || (!e.ended && onTrack == nil) {
		p.queued = append(p.queued, e)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if e.ended {
		onEnded(e.participantID, e.track.ID())
	} else {
		onTrack(e.participantID, e.track)
	}
}

func (p *pionPeer) OnRemoteTrack(fn func(string, media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
	p.flush()
}

func (p *pionPeer) OnRemoteTrackEnded(fn func(string, string)) {
	p.mu.Lock()
	p.onEnded = fn
	p.mu.Unlock()
	p.flush()
}

func (p *pionPeer) flush() {
	p.mu.Lock()
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()
	for _, e := range queued {
		p.emit(e)
	}
}

// RemotePackets returns the number of RTP packets read from a remote track.
func (p *pionPeer) RemotePackets(trackID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.remotes[trackID]; ok {
		return s.packets.Load()
	}
	return 0
}

func (p *pionPeer) AddTrack(src media.Source) (Sender, error) {
	tl, ok := src.(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("add %s track %s: %w", src.Kind(), src.ID(), errNotSendable)
	}
	sender, err := p.pc.AddTrack(tl)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", src.Kind(), err)
	}

	// RTCP has to be read for interceptors such as NACK to work
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	s := &rtpSender{kind: src.Kind(), sender: sender}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *pionPeer) Senders() []Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.sig.Close(), p.pc.Close())
		p.logger.Info("Peer connection closed")
	})
	return err
}

type rtpSender struct {
	kind   webrtc.RTPCodecType
	sender *webrtc.RTPSender
}

func (s *rtpSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *rtpSender) ReplaceTrack(src media.Source) error {
	if src == nil {
		return s.sender.ReplaceTrack(nil)
	}
	tl, ok := src.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("replace %s track with %s: %w", s.kind, src.ID(), errNotSendable)
	}
	return s.sender.ReplaceTrack(tl)
}
