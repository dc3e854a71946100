package session

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/transport"
)

var errSenderGone = errors.New("sender is gone")

type fakeSender struct {
	kind webrtc.RTPCodecType

	mu       sync.Mutex
	current  media.Source
	fail     bool
	replaces int
}

func (s *fakeSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSender) ReplaceTrack(src media.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSenderGone
	}
	s.current = src
	s.replaces++
	return nil
}

func (s *fakeSender) Current() media.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSender) SetFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

type fakePeer struct {
	mu      sync.Mutex
	senders []*fakeSender
	onTrack func(string, media.RemoteTrack)
	onEnded func(string, string)
	closed  bool
	addErr  error
}

func (p *fakePeer) AddTrack(src media.Source) (transport.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return nil, p.addErr
	}
	s := &fakeSender{kind: src.Kind(), current: src}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) Senders() []transport.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePeer) sender(kind webrtc.RTPCodecType) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (p *fakePeer) OnRemoteTrack(fn func(string, media.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnRemoteTrackEnded(fn func(string, string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnded = fn
}

func (p *fakePeer) deliver(participantID string, track media.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(participantID, track)
}

func (p *fakePeer) endRemote(participantID, trackID string) {
	p.mu.Lock()
	fn := p.onEnded
	p.mu.Unlock()
	fn(participantID, trackID)
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConnector struct {
	mu      sync.Mutex
	err     error
	addErr  error
	peers   []*fakePeer
	session []string
}

func (c *fakeConnector) Connect(ctx context.Context, sessionID string) (transport.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = append(c.session, sessionID)
	if c.err != nil {
		return nil, c.err
	}
	p := &fakePeer{addErr: c.addErr}
	c.peers = append(c.peers, p)
	return p, nil
}

func (c *fakeConnector) last() *fakePeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.peers) == 0 {
		return nil
	}
	return c.peers[len(c.peers)-1]
}

type memHistory struct {
	mu       sync.Mutex
	sessions []CallSession
}

func (h *memHistory) Append(ctx context.Context, s CallSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = append(h.sessions, s)
	return nil
}

func (h *memHistory) all() []CallSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CallSession(nil), h.sessions...)
}

type fakeClaims struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
}

func (c *fakeClaims) Claim(ctx context.Context, appointmentID, sessionID string) (func(context.Context) error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[string]string)
	}
	if owner, ok := c.held[appointmentID]; ok {
		return nil, errors.New("appointment claimed by session " + owner)
	}
	c.held[appointmentID] = sessionID
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.held, appointmentID)
		c.released = append(c.released, appointmentID)
		return nil
	}, nil
}

type remoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r remoteTrack) ID() string                { return r.id }
func (r remoteTrack) Kind() webrtc.RTPCodecType { return r.kind }
