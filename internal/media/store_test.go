package media_test

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/media/mediatest"
)

func TestStoreAttachOnePerKind(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	audio := mediatest.NewSource(webrtc.RTPCodecTypeAudio)
	video := mediatest.NewSource(webrtc.RTPCodecTypeVideo)

	_, err := s.Attach(audio)
	require.NoError(t, err)
	_, err = s.Attach(video)
	require.NoError(t, err)

	_, err = s.Attach(mediatest.NewSource(webrtc.RTPCodecTypeVideo))
	assert.ErrorIs(t, err, media.ErrSlotOccupied)

	assert.Equal(t, audio.ID(), s.Audio().ID())
	assert.Equal(t, video.ID(), s.Video().ID())
	assert.Len(t, s.Tracks(), 2)
}

func TestStoreReplaceStopsOldTrack(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	old := mediatest.NewSource(webrtc.RTPCodecTypeVideo)
	track, err := s.Attach(old)
	require.NoError(t, err)
	track.SetEnabled(false)

	next := mediatest.NewSource(webrtc.RTPCodecTypeVideo)
	replaced, err := s.Replace(next)
	require.NoError(t, err)

	assert.True(t, old.Closed(), "replaced track must be stopped")
	assert.False(t, track.Live())
	assert.Equal(t, next.ID(), s.Video().ID())
	assert.False(t, replaced.Enabled(), "enabled flag carries over to the replacement")
}

func TestStoreReleasedSlotKeepsEnabledFlag(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	track, err := s.Attach(mediatest.NewSource(webrtc.RTPCodecTypeVideo))
	require.NoError(t, err)
	track.SetEnabled(false)

	released, err := s.ReleaseKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	require.True(t, released)
	assert.Nil(t, s.Video())

	next, err := s.Replace(mediatest.NewSource(webrtc.RTPCodecTypeVideo))
	require.NoError(t, err)
	assert.False(t, next.Enabled(), "a camera reopened after a release stays off")
}

func TestStoreReleaseLocal(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	audio := mediatest.NewSource(webrtc.RTPCodecTypeAudio)
	video := mediatest.NewSource(webrtc.RTPCodecTypeVideo)
	_, _ = s.Attach(audio)
	_, _ = s.Attach(video)

	require.NoError(t, s.ReleaseLocal())

	assert.True(t, audio.Closed())
	assert.True(t, video.Closed())
	assert.Nil(t, s.Video())
	_, err := s.Attach(mediatest.NewSource(webrtc.RTPCodecTypeVideo))
	assert.ErrorIs(t, err, media.ErrStoreReleased)
}

func TestStoreReleaseUnknown(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	assert.ErrorIs(t, s.Release("nope"), media.ErrUnknownTrack)

	ok, err := s.ReleaseKind(webrtc.RTPCodecTypeVideo)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestTrackEndedByPlatform(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	src := mediatest.NewSource(webrtc.RTPCodecTypeVideo)
	track, _ := s.Attach(src)

	assert.True(t, track.Live())
	src.End(errors.New("unplugged"))
	assert.False(t, track.Live())
}

type remoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r remoteTrack) ID() string                { return r.id }
func (r remoteTrack) Kind() webrtc.RTPCodecType { return r.kind }

func TestStoreRemotes(t *testing.T) {
	s := media.NewStore(zap.NewNop())
	s.AddRemote("patient-1", remoteTrack{"a1", webrtc.RTPCodecTypeAudio})
	s.AddRemote("patient-1", remoteTrack{"v1", webrtc.RTPCodecTypeVideo})

	assert.Equal(t, []string{"patient-1"}, s.RemoteIDs())
	assert.Len(t, s.Remotes()["patient-1"].Tracks, 2)

	s.RemoveRemote("patient-1", "a1")
	assert.Len(t, s.Remotes()["patient-1"].Tracks, 1)
	s.RemoveRemote("patient-1", "v1")
	assert.Empty(t, s.RemoteIDs())

	s.AddRemote("patient-1", remoteTrack{"v2", webrtc.RTPCodecTypeVideo})
	s.ReleaseRemotes()
	assert.Empty(t, s.Remotes())
}

func TestAcquireRequestsOnlyPresentKinds(t *testing.T) {
	testCases := []struct {
		name      string
		devices   []media.Device
		wantAudio bool
		wantVideo bool
	}{
		{"camera and microphone", []media.Device{mediatest.Camera(), mediatest.Microphone()}, true, true},
		{"camera only", []media.Device{mediatest.Camera()}, false, true},
		{"microphone only", []media.Device{mediatest.Microphone()}, true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			capture := mediatest.NewCapture()
			capture.DeviceList = tc.devices

			sources, err := media.Acquire(context.Background(), capture, media.Constraints{Audio: true, Video: true})
			require.NoError(t, err)
			require.Len(t, capture.UserMediaCalls, 1)

			call := capture.UserMediaCalls[0]
			assert.Equal(t, tc.wantAudio, call.Audio)
			assert.Equal(t, tc.wantVideo, call.Video)

			want := 0
			if tc.wantAudio {
				want++
			}
			if tc.wantVideo {
				want++
			}
			assert.Len(t, sources, want)
		})
	}
}

func TestAcquireNoDevices(t *testing.T) {
	capture := mediatest.NewCapture()
	capture.DeviceList = nil

	_, err := media.Acquire(context.Background(), capture, media.Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, callerr.ErrDeviceNotFound)
	assert.Zero(t, capture.UserMediaCount(), "never request a kind with no devices")
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want callerr.Kind
	}{
		{"EACCES", syscall.EACCES, callerr.KindPermissionDenied},
		{"browser style not allowed", errors.New("NotAllowedError: Permission denied"), callerr.KindPermissionDenied},
		{"EBUSY", syscall.EBUSY, callerr.KindDeviceBusy},
		{"in use text", errors.New("device is in use by another process"), callerr.KindDeviceBusy},
		{"ENODEV", syscall.ENODEV, callerr.KindDeviceNotFound},
		{"mediadevices no driver", errors.New("failed to find the best driver that fits the constraints"), callerr.KindDeviceNotFound},
		{"unknown", errors.New("codec exploded"), callerr.KindAcquisitionFailed},
		{"already classified", callerr.Wrap(callerr.KindDeviceBusy, nil), callerr.KindDeviceBusy},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, callerr.KindOf(media.Classify(tc.err)))
		})
	}
	assert.NoError(t, media.Classify(nil))
}
