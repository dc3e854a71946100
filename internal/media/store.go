package media

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrSlotOccupied  = errors.New("local stream already holds a track of this kind")
	ErrUnknownTrack  = errors.New("track is not owned by this store")
	ErrStoreReleased = errors.New("media store already released")
)

// Track is a local track owned by a Store. It is valid until the store releases it.
type Track struct {
	src      Source
	enabled  atomic.Bool
	ended    atomic.Bool
	released atomic.Bool
}

func newTrack(src Source) *Track {
	t := &Track{src: src}
	t.enabled.Store(true)
	src.OnEnded(func(error) {
		t.ended.Store(true)
	})
	return t
}

func (t *Track) ID() string                { return t.src.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.src.Kind() }
func (t *Track) Source() Source            { return t.src }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool)         { t.enabled.Store(v) }

// Live reports whether the track is neither ended by the platform nor released.
func (t *Track) Live() bool {
	return !t.ended.Load() && !t.released.Load()
}

func (t *Track) stop() error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}
	return t.src.Close()
}

// RemoteTrack is one track received from the other participant. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream groups the tracks received from one participant.
type RemoteStream struct {
	ParticipantID string
	Tracks        []RemoteTrack
}

// Store is the media resource registry of one session: at most one local
// audio and one local video track, plus remote streams keyed by participant id.
// Tracks are released explicitly; nothing is left to the garbage collector.
type Store struct {
	mu       sync.Mutex
	tracks   map[string]*Track
	slots    map[webrtc.RTPCodecType]string
	remotes  map[string]*RemoteStream
	released bool
	logger   *zap.Logger

	// enabled remembers the flag of a released slot for the next track of that kind
	enabled map[webrtc.RTPCodecType]bool
}

// NewStore returns an empty local stream.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.L().Named("media-store")
	}
	return &Store{
		tracks:  make(map[string]*Track),
		slots:   make(map[webrtc.RTPCodecType]string),
		remotes: make(map[string]*RemoteStream),
		logger:  logger,
		enabled: make(map[webrtc.RTPCodecType]bool),
	}
}

// Attach takes ownership of src. The slot for its kind must be empty.
func (s *Store) Attach(src Source) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrStoreReleased
	}
	if _, ok := s.slots[src.Kind()]; ok {
		return nil, fmt.Errorf("attach %s track %s: %w", src.Kind(), src.ID(), ErrSlotOccupied)
	}
	t := s.newTrackLocked(src)
	s.logger.Debug("Track attached",
		zap.String("track_id", src.ID()),
		zap.String("kind", src.Kind().String()))
	return t, nil
}

// Release stops the track and detaches it from the local stream.
func (s *Store) Release(trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(trackID)
}

func (s *Store) releaseLocked(trackID string) error {
	t, ok := s.tracks[trackID]
	if !ok {
		return fmt.Errorf("release %s: %w", trackID, ErrUnknownTrack)
	}
	delete(s.tracks, trackID)
	if s.slots[t.Kind()] == trackID {
		delete(s.slots, t.Kind())
		s.enabled[t.Kind()] = t.Enabled()
	}
	err := t.stop()
	s.logger.Debug("Track released",
		zap.String("track_id", trackID),
		zap.String("kind", t.Kind().String()),
		zap.Error(err))
	return err
}

// Replace stops and detaches the current track of src's kind, if any, then attaches src.
// The new track inherits the enabled flag of the one it replaces, or of the last track
// released from that slot.
func (s *Store) Replace(src Source) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrStoreReleased
	}
	if oldID, ok := s.slots[src.Kind()]; ok {
		if err := s.releaseLocked(oldID); err != nil {
			s.logger.Warn("Failed to stop replaced track", zap.String("track_id", oldID), zap.Error(err))
		}
	}
	return s.newTrackLocked(src), nil
}

func (s *Store) newTrackLocked(src Source) *Track {
	t := newTrack(src)
	if enabled, ok := s.enabled[src.Kind()]; ok {
		t.SetEnabled(enabled)
	}
	s.tracks[src.ID()] = t
	s.slots[src.Kind()] = src.ID()
	return t
}

// ReleaseKind releases the track in the given slot. It returns false if the slot was empty.
func (s *Store) ReleaseKind(kind webrtc.RTPCodecType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.slots[kind]
	if !ok {
		return false, nil
	}
	return true, s.releaseLocked(id)
}

// Audio returns the local audio track or nil.
func (s *Store) Audio() *Track { return s.Local(webrtc.RTPCodecTypeAudio) }

// Video returns the local video track or nil.
func (s *Store) Video() *Track { return s.Local(webrtc.RTPCodecTypeVideo) }

// Local returns the local track of kind or nil.
func (s *Store) Local(kind webrtc.RTPCodecType) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.slots[kind]; ok {
		return s.tracks[id]
	}
	return nil
}

// Tracks returns the local tracks, audio first.
func (s *Store) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, 0, len(s.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if id, ok := s.slots[kind]; ok {
			out = append(out, s.tracks[id])
		}
	}
	return out
}

// ReleaseLocal stops every local track. The store accepts no further tracks.
func (s *Store) ReleaseLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = true
	var errs []error
	for id := range s.tracks {
		if err := s.releaseLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddRemote records a track received from participantID.
func (s *Store) AddRemote(participantID string, track RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	rs, ok := s.remotes[participantID]
	if !ok {
		rs = &RemoteStream{ParticipantID: participantID}
		s.remotes[participantID] = rs
	}
	rs.Tracks = append(rs.Tracks, track)
}

// RemoveRemote drops one remote track; the stream goes away with its last track.
func (s *Store) RemoveRemote(participantID, trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.remotes[participantID]
	if !ok {
		return
	}
	kept := rs.Tracks[:0]
	for _, t := range rs.Tracks {
		if t.ID() != trackID {
			kept = append(kept, t)
		}
	}
	rs.Tracks = kept
	if len(rs.Tracks) == 0 {
		delete(s.remotes, participantID)
	}
}

// Remotes returns a copy of the remote stream map.
func (s *Store) Remotes() map[string]RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RemoteStream, len(s.remotes))
	for id, rs := range s.remotes {
		out[id] = RemoteStream{
			ParticipantID: rs.ParticipantID,
			Tracks:        append([]RemoteTrack(nil), rs.Tracks...),
		}
	}
	return out
}

// RemoteIDs returns the participant ids with a remote stream, sorted.
func (s *Store) RemoteIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.remotes))
	for id := range s.remotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReleaseRemotes drops every remote stream handle.
func (s *Store) ReleaseRemotes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes = make(map[string]*RemoteStream)
}
