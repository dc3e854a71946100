// Package mediatest provides in-memory capture sources and devices for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/televisit/internal/media"
)

var seq atomic.Uint64

// ErrDeviceHeld mirrors the mediadevices error for opening a driver that is already open.
var ErrDeviceHeld = errors.New("invalid state: driver is already opened")

// Source is a fake capture track.
type Source struct {
	id   string
	kind webrtc.RTPCodecType

	mu        sync.Mutex
	closed    bool
	onEnded   []func(error)
	sampleErr error
	samples   int

	// Frames, when set, makes the source encodable for recording.
	Frames chan []byte
	// Hold, when set, keeps a closed reader from returning until Hold is closed.
	Hold chan struct{}
}

// NewSource returns a live fake track of kind.
func NewSource(kind webrtc.RTPCodecType) *Source {
	return &Source{
		id:   fmt.Sprintf("%s-%d", kind, seq.Add(1)),
		kind: kind,
	}
}

// NewEncodableSource returns a fake track that also yields encoded frames.
func NewEncodableSource(kind webrtc.RTPCodecType) *Source {
	s := NewSource(kind)
	s.Frames = make(chan []byte, 64)
	return s
}

func (s *Source) ID() string                { return s.id }
func (s *Source) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) OnEnded(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = append(s.onEnded, fn)
}

// SampleFrame reports whether the fake is still producing frames.
func (s *Source) SampleFrame(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
	if s.closed {
		return errors.New("track closed")
	}
	return s.sampleErr
}

// Stall makes SampleFrame fail with err; nil resumes frames.
func (s *Source) Stall(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleErr = err
}

// Samples returns how many times SampleFrame was called.
func (s *Source) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// End simulates the platform ending the track.
func (s *Source) End(err error) {
	s.mu.Lock()
	handlers := append([]func(error){}, s.onEnded...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// NewEncodedReader makes Source recordable when Frames is set.
func (s *Source) NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error) {
	if s.Frames == nil {
		return nil, errors.New("no encoder available for " + codecName)
	}
	return &encodedReader{frames: s.Frames, hold: s.Hold, done: make(chan struct{})}, nil
}

type encodedReader struct {
	frames chan []byte
	hold   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (r *encodedReader) Read() (mediadevices.EncodedBuffer, func(), error) {
	select {
	case f, ok := <-r.frames:
		if !ok {
			return mediadevices.EncodedBuffer{}, func() {}, errors.New("source ended")
		}
		return mediadevices.EncodedBuffer{Data: f, Samples: 960}, func() {}, nil
	case <-r.done:
		if r.hold != nil {
			<-r.hold
		}
		return mediadevices.EncodedBuffer{}, func() {}, errors.New("reader closed")
	}
}

func (r *encodedReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *encodedReader) Controller() codec.EncoderController { return nil }

// Capture is a scriptable media.Capture. Like a real driver, the camera cannot be
// opened again while a video source it produced is still open.
type Capture struct {
	mu sync.Mutex

	DeviceList   []media.Device
	DevicesErr   error
	UserMediaErr error
	DisplayErr   error
	ProbeErr     error

	// Encodable makes every source produced by UserMedia/DisplayMedia recordable.
	Encodable bool

	UserMediaCalls []media.Constraints
	ProbeCalls     int
	ProbeRequests  []media.Constraints
	Produced       []*Source
	Display        []*Source

	// UserMediaHook, when set, runs before each UserMedia call returns.
	UserMediaHook func(c media.Constraints) error
}

// NewCapture returns a capture exposing one camera and one microphone.
func NewCapture() *Capture {
	return &Capture{DeviceList: []media.Device{Camera(), Microphone()}}
}

// Camera returns a fake camera device.
func Camera() media.Device {
	return media.Device{ID: "cam-0", Label: "FaceTime HD Camera", Kind: media.VideoInput}
}

// Microphone returns a fake microphone device.
func Microphone() media.Device {
	return media.Device{ID: "mic-0", Label: "Built-in Microphone", Kind: media.AudioInput}
}

func (c *Capture) Devices(ctx context.Context) ([]media.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DevicesErr != nil {
		return nil, c.DevicesErr
	}
	return append([]media.Device(nil), c.DeviceList...), nil
}

func (c *Capture) UserMedia(ctx context.Context, cons media.Constraints) ([]media.Source, error) {
	c.mu.Lock()
	c.UserMediaCalls = append(c.UserMediaCalls, cons)
	hook := c.UserMediaHook
	err := c.UserMediaErr
	c.mu.Unlock()

	if hook != nil {
		if herr := hook(cons); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cons.Video && c.cameraHeldLocked() {
		return nil, fmt.Errorf("failed to get user media: %w", ErrDeviceHeld)
	}
	var out []media.Source
	if cons.Audio {
		out = append(out, c.newSourceLocked(webrtc.RTPCodecTypeAudio))
	}
	if cons.Video {
		out = append(out, c.newSourceLocked(webrtc.RTPCodecTypeVideo))
	}
	return out, nil
}

func (c *Capture) cameraHeldLocked() bool {
	for _, s := range c.Produced {
		if s.Kind() == webrtc.RTPCodecTypeVideo && !s.Closed() {
			return true
		}
	}
	return false
}

func (c *Capture) newSourceLocked(kind webrtc.RTPCodecType) *Source {
	var s *Source
	if c.Encodable {
		s = NewEncodableSource(kind)
	} else {
		s = NewSource(kind)
	}
	c.Produced = append(c.Produced, s)
	return s
}

func (c *Capture) DisplayMedia(ctx context.Context, cons media.Constraints) (media.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DisplayErr != nil {
		return nil, c.DisplayErr
	}
	var s *Source
	if c.Encodable {
		s = NewEncodableSource(webrtc.RTPCodecTypeVideo)
	} else {
		s = NewSource(webrtc.RTPCodecTypeVideo)
	}
	c.Display = append(c.Display, s)
	return s, nil
}

func (c *Capture) Probe(ctx context.Context, cons media.Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProbeCalls++
	c.ProbeRequests = append(c.ProbeRequests, cons)
	if c.ProbeErr != nil {
		return c.ProbeErr
	}
	if c.cameraHeldLocked() {
		return fmt.Errorf("camera probe failed: %w", ErrDeviceHeld)
	}
	return nil
}

// SetUserMediaErr changes the UserMedia failure under the capture lock.
func (c *Capture) SetUserMediaErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserMediaErr = err
}

// SetProbeErr changes the Probe failure under the capture lock.
func (c *Capture) SetProbeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProbeErr = err
}

// UserMediaCount returns how many UserMedia calls were made.
func (c *Capture) UserMediaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.UserMediaCalls)
}

// LastDisplay returns the most recent screen-capture source.
func (c *Capture) LastDisplay() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Display) == 0 {
		return nil
	}
	return c.Display[len(c.Display)-1]
}

// ProducedSources returns the sources handed out by UserMedia so far.
func (c *Capture) ProducedSources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Source(nil), c.Produced...)
}

// LastUserMedia returns the constraints of the most recent UserMedia call.
func (c *Capture) LastUserMedia() media.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.UserMediaCalls) == 0 {
		return media.Constraints{}
	}
	return c.UserMediaCalls[len(c.UserMediaCalls)-1]
}
