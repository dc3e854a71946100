// Package transport connects a call to the other participant over WebRTC.
// The engine only configures and observes it; negotiation lives behind Connector.
package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/televisit/internal/media"
)

// Sender transmits one outgoing track. Its track is only ever replaced, never closed and
// reopened, so the remote side sees the new source without renegotiation.
type Sender interface {
	Kind() webrtc.RTPCodecType
	// ReplaceTrack swaps the outgoing source in place. A nil src sends nothing.
	ReplaceTrack(src media.Source) error
}

// Peer is one peer connection.
type Peer interface {
	AddTrack(src media.Source) (Sender, error)
	Senders() []Sender
	// OnRemoteTrack registers the handler for tracks received from participantID.
	OnRemoteTrack(func(participantID string, track media.RemoteTrack))
	// OnRemoteTrackEnded registers the handler for remote tracks that stopped delivering.
	OnRemoteTrackEnded(func(participantID, trackID string))
	Close() error
}

// Connector creates the peer connection for a session.
type Connector interface {
	Connect(ctx context.Context, sessionID string) (Peer, error)
}
