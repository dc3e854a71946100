// Package media owns the local capture tracks and remote receive streams of one call.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Source is a platform capture track. mediadevices.Track satisfies it.
type Source interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Close() error
	// OnEnded registers a handler fired when the platform ends the track,
	// e.g. a device unplugged or screen capture stopped from the OS control.
	OnEnded(func(error))
}

// FrameSampler is implemented by sources that can confirm frames are still flowing
// without opening the device a second time.
type FrameSampler interface {
	SampleFrame(ctx context.Context) error
}

// DeviceKind mirrors mediadevices.MediaDeviceType.
type DeviceKind int

const (
	VideoInput DeviceKind = iota + 1
	AudioInput
	AudioOutput
)

func (k DeviceKind) String() string {
	switch k {
	case VideoInput:
		return "videoinput"
	case AudioInput:
		return "audioinput"
	case AudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// Device is an enumerated capture device.
type Device struct {
	ID    string
	Label string
	Kind  DeviceKind
}

// Constraints describes a capture request. A zero Width/Height/FrameRate leaves the choice to the platform.
type Constraints struct {
	Audio bool
	Video bool

	VideoDeviceID string
	AudioDeviceID string

	Width     int
	Height    int
	FrameRate float64

	SampleRate   int
	ChannelCount int
}

// Capture is the platform capture API.
type Capture interface {
	Devices(ctx context.Context) ([]Device, error)
	UserMedia(ctx context.Context, c Constraints) ([]Source, error)
	DisplayMedia(ctx context.Context, c Constraints) (Source, error)
	// Probe performs a minimal low-resolution capture and releases it immediately.
	Probe(ctx context.Context, c Constraints) error
}

// HasKind reports whether devices contains at least one device of kind.
func HasKind(devices []Device, kind DeviceKind) bool {
	for _, d := range devices {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// FirstOfKind returns the first device of kind.
func FirstOfKind(devices []Device, kind DeviceKind) (Device, bool) {
	for _, d := range devices {
		if d.Kind == kind {
			return d, true
		}
	}
	return Device{}, false
}
