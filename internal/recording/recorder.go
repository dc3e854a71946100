// Package recording writes the local stream of a call to a WebM file.
package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/media"
)

var errNoEncodableTrack = errors.New("no local track offers a VP8 or Opus encoder")

// Encodable is a source that can hand out encoded frames. mediadevices.Track satisfies it.
type Encodable interface {
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
}

type Config struct {
	Dir        string
	Width      int
	Height     int
	FrameRate  float64
	SampleRate int
	Channels   int
}

// Artifact is one finalized recording.
type Artifact struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Frames      uint64    `json:"frames"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

func (a Artifact) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// Recorder accumulates encoded chunks of one session. At most one recording is active.
type Recorder struct {
	cfg       Config
	sessionID string
	clock     clockwork.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	active    bool
	id        string
	path      string
	startedAt time.Time
	writers   map[webrtc.RTPCodecType]webm.BlockWriteCloser
	readers   map[webrtc.RTPCodecType]*trackReader
	hasVideo  bool
	frames    uint64
	dropped   uint64

	// muted kinds contribute nothing to the file; the flag outlives a single recording
	muted map[webrtc.RTPCodecType]bool
	wg    sync.WaitGroup
}

type trackReader struct {
	kind     webrtc.RTPCodecType
	sourceID string
	reader   mediadevices.EncodedReadCloser
	once     sync.Once
}

func (t *trackReader) close() {
	t.once.Do(func() { _ = t.reader.Close() })
}

func New(cfg Config, sessionID string, clock clockwork.Clock, logger *zap.Logger) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.L().Named("recorder")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 25
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Recorder{
		cfg:       cfg,
		sessionID: sessionID,
		clock:     clock,
		logger:    logger.With(zap.String("session_id", sessionID)),
		muted:     make(map[webrtc.RTPCodecType]bool),
	}
}

// SetEnabled mirrors the enabled flag of the local track of kind. Blocks read from a
// disabled kind are dropped; video resumes at the next keyframe.
func (r *Recorder) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted[kind] = !enabled
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// FramesWritten returns the number of blocks written to the active recording.
func (r *Recorder) FramesWritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// FramesDropped returns the number of blocks discarded because their kind was disabled.
func (r *Recorder) FramesDropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func codecFor(kind webrtc.RTPCodecType) string {
	if kind == webrtc.RTPCodecTypeVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

// Start begins recording sources. It is a no-op while a recording is active. When no
// source can be encoded a RecordingUnsupported warning is returned and nothing is written.
func (r *Recorder) Start(sources []media.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return nil
	}

	readers := make(map[webrtc.RTPCodecType]*trackReader)
	for _, src := range sources {
		if _, dup := readers[src.Kind()]; dup {
			continue
		}
		tr, err := openReader(src)
		if err != nil {
			r.logger.Debug("Track not recordable",
				zap.String("track_id", src.ID()),
				zap.String("kind", src.Kind().String()),
				zap.Error(err))
			continue
		}
		readers[src.Kind()] = tr
	}
	if len(readers) == 0 {
		return callerr.Warn(callerr.KindRecordingUnsupported, errNoEncodableTrack)
	}

	closeReaders := func() {
		for _, tr := range readers {
			tr.close()
		}
	}

	if err := os.MkdirAll(r.cfg.Dir, 0755); err != nil {
		closeReaders()
		return fmt.Errorf("failed to create recording directory: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(r.cfg.Dir, fmt.Sprintf("%s_%s.webm", r.sessionID, id))
	file, err := os.Create(path)
	if err != nil {
		closeReaders()
		return fmt.Errorf("failed to create recording file: %w", err)
	}

	kinds, entries := r.trackEntries(readers)
	ws, err := webm.NewSimpleBlockWriter(file, entries)
	if err != nil {
		closeReaders()
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to create WebM writer: %w", err)
	}

	r.writers = make(map[webrtc.RTPCodecType]webm.BlockWriteCloser, len(ws))
	for i, w := range ws {
		r.writers[kinds[i]] = w
	}
	r.readers = readers
	r.id = id
	r.path = path
	r.startedAt = r.clock.Now()
	r.frames = 0
	r.dropped = 0
	_, r.hasVideo = readers[webrtc.RTPCodecTypeVideo]
	r.active = true

	for _, tr := range readers {
		r.wg.Add(1)
		go r.pump(tr)
	}

	r.logger.Info("Recording started",
		zap.String("artifact_id", id),
		zap.String("path", path),
		zap.Int("tracks", len(readers)))
	return nil
}

func openReader(src media.Source) (*trackReader, error) {
	enc, ok := src.(Encodable)
	if !ok {
		return nil, errors.New("source does not expose encoded frames")
	}
	rd, err := enc.NewEncodedReader(codecFor(src.Kind()))
	if err != nil {
		return nil, err
	}
	return &trackReader{kind: src.Kind(), sourceID: src.ID(), reader: rd}, nil
}

func (r *Recorder) trackEntries(readers map[webrtc.RTPCodecType]*trackReader) ([]webrtc.RTPCodecType, []webm.TrackEntry) {
	var kinds []webrtc.RTPCodecType
	var entries []webm.TrackEntry
	if _, ok := readers[webrtc.RTPCodecTypeVideo]; ok {
		n := uint64(len(entries) + 1)
		entries = append(entries, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     n,
			TrackUID:        12345,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: uint64(float64(time.Second) / r.cfg.FrameRate),
			Video: &webm.Video{
				PixelWidth:  uint64(r.cfg.Width),
				PixelHeight: uint64(r.cfg.Height),
			},
		})
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	if _, ok := readers[webrtc.RTPCodecTypeAudio]; ok {
		n := uint64(len(entries) + 1)
		entries = append(entries, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: n,
			TrackUID:    67890,
			CodecID:     "A_OPUS",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(r.cfg.SampleRate),
				Channels:          uint64(r.cfg.Channels),
			},
		})
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	return kinds, entries
}

func (r *Recorder) pump(tr *trackReader) {
	defer r.wg.Done()

	// VP8 blocks are dropped until a keyframe, at start and after the video was disabled
	waitKey := tr.kind == webrtc.RTPCodecTypeVideo
	for {
		buf, release, err := tr.reader.Read()
		if err != nil {
			r.logger.Debug("Track reader finished",
				zap.String("track_id", tr.sourceID),
				zap.Error(err))
			return
		}

		keyframe := true
		if tr.kind == webrtc.RTPCodecTypeVideo {
			keyframe = len(buf.Data) > 0 && buf.Data[0]&0x01 == 0
		}

		r.mu.Lock()
		switch {
		case r.muted[tr.kind]:
			r.dropped++
			waitKey = tr.kind == webrtc.RTPCodecTypeVideo
		case waitKey && !keyframe:
		default:
			waitKey = false
			w, ok := r.writers[tr.kind]
			if ok && r.active && r.readers[tr.kind] == tr {
				tc := r.clock.Since(r.startedAt).Milliseconds()
				if _, err := w.Write(keyframe, tc, buf.Data); err != nil {
					r.logger.Warn("Failed to write block", zap.String("kind", tr.kind.String()), zap.Error(err))
				} else {
					r.frames++
				}
			}
		}
		r.mu.Unlock()
		release()
	}
}

// Rebind switches the reader of src's kind to src after the local track was replaced.
// A nil src only detaches the current reader. Kinds absent from the file header are ignored.
func (r *Recorder) Rebind(kind webrtc.RTPCodecType, src media.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return
	}
	if _, ok := r.writers[kind]; !ok {
		return
	}
	if old, ok := r.readers[kind]; ok {
		old.close()
		delete(r.readers, kind)
	}
	if src == nil {
		return
	}
	tr, err := openReader(src)
	if err != nil {
		r.logger.Warn("Replacement track not recordable",
			zap.String("track_id", src.ID()),
			zap.Error(err))
		return
	}
	r.readers[kind] = tr
	r.wg.Add(1)
	go r.pump(tr)
	r.logger.Info("Recording rebound", zap.String("kind", kind.String()), zap.String("track_id", src.ID()))
}

// Stop finalizes the active recording into one artifact. It returns nil, nil when
// nothing is being recorded.
func (r *Recorder) Stop() (*Artifact, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, nil
	}
	r.active = false
	for _, tr := range r.readers {
		tr.close()
	}
	r.readers = nil
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	// closing the last block writer closes the file
	var errs []error
	for kind, w := range r.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s writer: %w", kind, err))
		}
	}
	r.writers = nil
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to close WebM writer: %w", err)
	}

	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to verify recording file: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(r.path)
		return nil, errors.New("recording failed: output file is empty")
	}

	contentType := "video/webm"
	if !r.hasVideo {
		contentType = "audio/webm"
	}

	a := &Artifact{
		ID:          r.id,
		SessionID:   r.sessionID,
		Path:        r.path,
		Size:        info.Size(),
		ContentType: contentType,
		Frames:      r.frames,
		StartedAt:   r.startedAt,
		EndedAt:     r.clock.Now(),
	}
	r.logger.Info("Recording saved",
		zap.String("artifact_id", a.ID),
		zap.Int64("bytes", a.Size),
		zap.Uint64("frames", a.Frames),
		zap.Duration("duration", a.Duration()))
	return a, nil
}
