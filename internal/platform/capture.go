// Package platform binds the call engine to the host's capture devices through pion/mediadevices.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter

	"github.com/mikeyg42/televisit/internal/media"
)

// EncoderConfig tunes the VP8 and Opus encoders attached to every capture track.
type EncoderConfig struct {
	VideoBitRate     int
	KeyFrameInterval int
	AudioBitRate     int
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		VideoBitRate:     500_000,
		KeyFrameInterval: 30,
		AudioBitRate:     32_000,
	}
}

// Capture implements media.Capture on the host devices.
type Capture struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

func NewCapture(cfg EncoderConfig, logger *zap.Logger) (*Capture, error) {
	if logger == nil {
		logger = zap.L().Named("platform")
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = cfg.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	logger.Info("Encoders configured",
		zap.Int("video_bitrate", vpxParams.BitRate),
		zap.Int("keyframe_interval", vpxParams.KeyFrameInterval),
		zap.Int("audio_bitrate", opusParams.BitRate))

	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// API returns a webrtc API whose media engine offers exactly the capture encoders.
func (c *Capture) API() *webrtc.API {
	m := &webrtc.MediaEngine{}
	c.selector.Populate(m)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m))
}

func (c *Capture) Devices(ctx context.Context) ([]media.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return devicesFrom(mediadevices.EnumerateDevices()), nil
}

// devicesFrom maps enumerated devices. Screens enumerate as video inputs and are left out.
func devicesFrom(infos []mediadevices.MediaDeviceInfo) []media.Device {
	out := make([]media.Device, 0, len(infos))
	for _, info := range infos {
		if info.DeviceType == driver.Screen {
			continue
		}
		var kind media.DeviceKind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = media.VideoInput
		case mediadevices.AudioInput:
			kind = media.AudioInput
		case mediadevices.AudioOutput:
			kind = media.AudioOutput
		default:
			continue
		}
		out = append(out, media.Device{ID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	return out
}

func (c *Capture) UserMedia(ctx context.Context, cons media.Constraints) ([]media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(userMediaConstraints(cons, c.selector))
	if err != nil {
		return nil, fmt.Errorf("failed to get user media: %w", err)
	}

	tracks := stream.GetTracks()
	out := make([]media.Source, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, wrapTrack(t))
	}
	c.logger.Debug("User media acquired",
		zap.Int("tracks", len(out)),
		zap.Bool("audio", cons.Audio),
		zap.Bool("video", cons.Video))
	return out, nil
}

func (c *Capture) DisplayMedia(ctx context.Context, cons media.Constraints) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(cons),
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get display media: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, errors.New("display capture returned no video track")
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	return tracks[0], nil
}

// Probe opens the camera with the requested low resolution and closes it again.
func (c *Capture) Probe(ctx context.Context, cons media.Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(probeConstraints(cons)),
		Codec: c.selector,
	})
	if err != nil {
		return fmt.Errorf("camera probe failed: %w", err)
	}
	var errs []error
	for _, t := range stream.GetTracks() {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

// probeConstraints keeps the requested device and size, video only. Unset values fall
// back to 160x120 at 5 fps.
func probeConstraints(cons media.Constraints) media.Constraints {
	probe := media.Constraints{
		Video:         true,
		VideoDeviceID: cons.VideoDeviceID,
		Width:         cons.Width,
		Height:        cons.Height,
		FrameRate:     cons.FrameRate,
	}
	if probe.Width <= 0 || probe.Height <= 0 {
		probe.Width, probe.Height = 160, 120
	}
	if probe.FrameRate <= 0 {
		probe.FrameRate = 5
	}
	return probe
}

func userMediaConstraints(cons media.Constraints, selector *mediadevices.CodecSelector) mediadevices.MediaStreamConstraints {
	msc := mediadevices.MediaStreamConstraints{Codec: selector}
	if cons.Video {
		msc.Video = videoConstraints(cons)
	}
	if cons.Audio {
		msc.Audio = audioConstraints(cons)
	}
	return msc
}

func videoConstraints(cons media.Constraints) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if cons.VideoDeviceID != "" {
			c.DeviceID = prop.String(cons.VideoDeviceID)
		}
		if cons.Width > 0 {
			c.Width = prop.Int(cons.Width)
		}
		if cons.Height > 0 {
			c.Height = prop.Int(cons.Height)
		}
		if cons.FrameRate > 0 {
			c.FrameRate = prop.Float(cons.FrameRate)
		}
		c.DiscardFramesOlderThan = 500 * time.Millisecond
	}
}

func audioConstraints(cons media.Constraints) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if cons.AudioDeviceID != "" {
			c.DeviceID = prop.String(cons.AudioDeviceID)
		}
		if cons.SampleRate > 0 {
			c.SampleRate = prop.Int(cons.SampleRate)
		}
		if cons.ChannelCount > 0 {
			c.ChannelCount = prop.Int(cons.ChannelCount)
		}
		c.Latency = prop.Duration(20 * time.Millisecond)
	}
}
