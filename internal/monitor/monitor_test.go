package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/media/mediatest"
)

type fakeHost struct {
	mu       sync.Mutex
	track    TrackState
	camera   media.Source
	swapped  []media.Source
	sharing  bool
	samples  int
	releases int
	statuses []Status
	results  []Result
	calls    int
}

// openCamera captures a live camera through capture and hands it to a new host,
// so the device stays held the way a running call holds it.
func openCamera(t *testing.T, capture *mediatest.Capture) (*fakeHost, *mediatest.Source) {
	t.Helper()
	sources, err := capture.UserMedia(context.Background(), media.Constraints{Video: true})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	cam := sources[0].(*mediatest.Source)
	return &fakeHost{track: TrackState{Present: true, Live: true}, camera: cam}, cam
}

func (h *fakeHost) CameraTrack() TrackState {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.track
}

func (h *fakeHost) SampleCamera(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples++
	if s, ok := h.camera.(media.FrameSampler); ok {
		return s.SampleFrame(ctx)
	}
	return errors.New("no camera track")
}

func (h *fakeHost) InstallCamera(ctx context.Context, src media.Source) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sharing {
		_ = src.Close()
		return ErrSuppressed
	}
	if h.camera != nil {
		_ = h.camera.Close()
	}
	h.camera = src
	h.swapped = append(h.swapped, src)
	h.track = TrackState{Present: true, Live: true}
	return nil
}

func (h *fakeHost) ReleaseCamera(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sharing {
		return ErrSuppressed
	}
	h.releases++
	if h.camera != nil {
		_ = h.camera.Close()
		h.camera = nil
	}
	h.track = TrackState{}
	return nil
}

func (h *fakeHost) StatusChanged(st Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, st)
}

func (h *fakeHost) RestartFinished(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *fakeHost) tickCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// brokenCamera is enumerated, its track has ended, the probe fails and every restart fails.
func brokenCamera() (*mediatest.Capture, *fakeHost) {
	capture := mediatest.NewCapture()
	capture.ProbeErr = errors.New("timeout waiting for frame")
	capture.UserMediaErr = errors.New("could not start video source")
	return capture, &fakeHost{track: TrackState{Present: true, Live: false}}
}

func TestTickRestartsAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := mediatest.NewCapture()
	capture.ProbeErr = errors.New("timeout waiting for frame")
	host := &fakeHost{track: TrackState{Present: true, Live: false}}
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())

	st := m.Tick(context.Background())

	require.Len(t, host.swapped, 1)
	assert.True(t, st.Working)
	assert.Equal(t, 1, st.Attempts)
	assert.Empty(t, st.Error)

	call := capture.UserMediaCalls[0]
	assert.True(t, call.Video)
	assert.False(t, call.Audio, "restart captures video only")
	assert.Equal(t, 320, call.Width)

	require.Len(t, capture.ProbeRequests, 1)
	assert.Equal(t, media.Constraints{Video: true, VideoDeviceID: "cam-0", Width: 160, Height: 120, FrameRate: 5},
		capture.ProbeRequests[0])

	require.Len(t, host.results, 1)
	assert.NoError(t, host.results[0].Err)
	assert.Equal(t, TriggerAutomatic, host.results[0].Trigger)
}

func TestHealthyCameraIsLeftAlone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := mediatest.NewCapture()
	host, cam := openCamera(t, capture)
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())

	st := m.Tick(context.Background())

	assert.True(t, st.Available)
	assert.True(t, st.Working)
	assert.True(t, st.HasVideoTrack)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, cam.Samples(), "a live track is judged by its own frames")
	assert.Zero(t, capture.ProbeCalls, "the held device is not opened a second time")
	assert.Equal(t, 1, capture.UserMediaCount())
	assert.Empty(t, host.results)
	assert.False(t, cam.Closed())
}

func TestStalledCameraIsReleasedAndReacquired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := mediatest.NewCapture()
	host, cam := openCamera(t, capture)
	cam.Stall(errors.New("no frame within 2s"))
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())

	st := m.Tick(context.Background())

	assert.True(t, st.Working)
	assert.Equal(t, 1, st.Attempts)
	assert.Zero(t, capture.ProbeCalls)
	assert.Equal(t, 1, host.releases, "old track is stopped before the device is reopened")
	assert.True(t, cam.Closed())
	assert.Equal(t, 3, capture.UserMediaCount(), "setup, refused reopen, retry")

	require.Len(t, host.swapped, 1)
	assert.NotSame(t, media.Source(cam), host.swapped[0])
	assert.False(t, host.swapped[0].(*mediatest.Source).Closed())

	require.Len(t, host.results, 1)
	assert.NoError(t, host.results[0].Err)
}

func TestManualRestartOfOpenCamera(t *testing.T) {
	capture := mediatest.NewCapture()
	host, cam := openCamera(t, capture)
	m := New(DefaultConfig(), capture, host, clockwork.NewFakeClock(), zap.NewNop())

	started, err := m.ManualRestart(context.Background())

	assert.True(t, started)
	require.NoError(t, err)
	assert.True(t, cam.Closed())
	assert.Equal(t, 1, host.releases)
	require.Len(t, host.swapped, 1)
	assert.True(t, m.Status().Working)
}

func TestRestartAbandonedWhenShareTakesSlot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := mediatest.NewCapture()
	capture.ProbeErr = errors.New("timeout waiting for frame")
	host := &fakeHost{track: TrackState{Present: true, Live: false}}
	capture.UserMediaHook = func(media.Constraints) error {
		// the share starts while the camera capture is being opened
		host.mu.Lock()
		host.sharing = true
		host.mu.Unlock()
		return nil
	}
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())

	st := m.Tick(context.Background())

	assert.Zero(t, st.Attempts, "an abandoned restart is not a failed attempt")
	assert.False(t, st.Restarting)
	assert.False(t, st.Exhausted)
	assert.Empty(t, host.swapped)
	produced := capture.ProducedSources()
	require.Len(t, produced, 1)
	assert.True(t, produced[0].Closed(), "the unused capture is stopped")
	require.Len(t, host.results, 1)
	assert.ErrorIs(t, host.results[0].Err, ErrSuppressed)

	started, err := m.ManualRestart(context.Background())
	assert.False(t, started)
	assert.NoError(t, err)
	assert.Zero(t, m.Status().Attempts)
}

func TestReleasedCameraIsRetried(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := mediatest.NewCapture()
	host, cam := openCamera(t, capture)
	cam.Stall(errors.New("no frame within 2s"))

	var calls int
	capture.UserMediaHook = func(media.Constraints) error {
		calls++
		if calls == 2 {
			return errors.New("could not start video source")
		}
		return nil
	}
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())
	ctx := context.Background()

	st := m.Tick(ctx)
	assert.False(t, st.Working)
	assert.Equal(t, 1, st.Attempts)
	assert.Empty(t, host.swapped)

	clock.Advance(DefaultInterval)
	st = m.Tick(ctx)
	assert.True(t, st.Working)
	assert.Equal(t, 2, st.Attempts)
	require.Len(t, host.swapped, 1)
	assert.Equal(t, 1, host.releases)
}

func TestRecoveryExhaustedAfterTwoFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture, host := brokenCamera()
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())
	ctx := context.Background()

	st := m.Tick(ctx)
	assert.Equal(t, 1, capture.UserMediaCount())
	assert.False(t, st.Exhausted)

	clock.Advance(DefaultInterval)
	st = m.Tick(ctx)
	assert.Equal(t, 2, capture.UserMediaCount())
	assert.True(t, st.Exhausted, "second failure marks the camera permanently failed")
	assert.True(t, host.results[1].Exhausted)

	clock.Advance(DefaultInterval)
	st = m.Tick(ctx)
	assert.Equal(t, 2, capture.UserMediaCount(), "third automatic attempt is suppressed")
	assert.Equal(t, 2, capture.ProbeCalls, "no probe after an unrecoverable failure")
	assert.True(t, st.Exhausted)
	assert.True(t, st.Available)
	assert.False(t, st.Working)

	m.ResetWindow()
	clock.Advance(DefaultInterval)
	m.Tick(ctx)
	assert.Equal(t, 3, capture.UserMediaCount(), "attempts resume after the window reset")
}

func TestCooldownBetweenAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture, host := brokenCamera()
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())
	ctx := context.Background()

	m.Tick(ctx)
	clock.Advance(DefaultCooldown / 2)
	m.Tick(ctx)
	assert.Equal(t, 1, capture.UserMediaCount())

	clock.Advance(DefaultCooldown / 2)
	m.Tick(ctx)
	assert.Equal(t, 2, capture.UserMediaCount())
}

func TestNoRestartWithoutTrackOrWhileSharing(t *testing.T) {
	testCases := []struct {
		name  string
		track TrackState
	}{
		{"no video track", TrackState{}},
		{"screen share holds video slot", TrackState{Present: true, Live: true, Suppressed: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			capture, host := brokenCamera()
			host.track = tc.track
			m := New(DefaultConfig(), capture, host, clockwork.NewFakeClock(), zap.NewNop())

			st := m.Tick(context.Background())
			assert.False(t, st.HasVideoTrack)
			assert.Zero(t, capture.UserMediaCount())
		})
	}
}

func TestEnumerationErrorIsSwallowed(t *testing.T) {
	capture, host := brokenCamera()
	capture.DevicesErr = errors.New("udev unavailable")
	m := New(DefaultConfig(), capture, host, clockwork.NewFakeClock(), zap.NewNop())

	st := m.Tick(context.Background())
	assert.False(t, st.Available)
	assert.Equal(t, "udev unavailable", st.Error)
	assert.Zero(t, capture.UserMediaCount())
}

func TestManualRestartClearsExhaustion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture, host := brokenCamera()
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())
	ctx := context.Background()

	m.Tick(ctx)
	clock.Advance(DefaultInterval)
	m.Tick(ctx)
	require.True(t, m.Status().Exhausted)

	started, err := m.ManualRestart(ctx)
	assert.True(t, started)
	require.Error(t, err)
	assert.True(t, callerr.IsWarning(err))
	assert.ErrorIs(t, err, callerr.ErrDeviceBusy)
	assert.Contains(t, callerr.UserMessage(err), "in use by another application")
	assert.Equal(t, 3, capture.UserMediaCount())
	assert.False(t, m.Status().Exhausted, "one failed manual attempt stays under the ceiling")

	capture.SetUserMediaErr(nil)
	started, err = m.ManualRestart(ctx)
	assert.True(t, started)
	assert.NoError(t, err)
	assert.True(t, m.Status().Working)
	assert.Equal(t, TriggerManual, host.results[len(host.results)-1].Trigger)
}

func TestManualRestartIgnoredWhileInFlight(t *testing.T) {
	capture, host := brokenCamera()
	capture.SetUserMediaErr(nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	capture.UserMediaHook = func(media.Constraints) error {
		close(entered)
		<-release
		return nil
	}
	m := New(DefaultConfig(), capture, host, clockwork.NewFakeClock(), zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Tick(context.Background())
	}()
	<-entered

	started, err := m.ManualRestart(context.Background())
	assert.False(t, started)
	assert.NoError(t, err)

	close(release)
	<-done
	assert.Equal(t, 1, capture.UserMediaCount())
}

func TestRunNeverExceedsCeilingWithinWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture, host := brokenCamera()
	m := New(DefaultConfig(), capture, host, clock, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	clock.BlockUntil(2)

	for i := 1; i <= 5; i++ {
		clock.Advance(DefaultInterval)
		want := i
		require.Eventually(t, func() bool { return host.tickCalls() == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, 2, capture.UserMediaCount())

	// 60s: the window resets, possibly after that tick ran
	clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return !m.Status().Exhausted }, time.Second, time.Millisecond)

	clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return capture.UserMediaCount() >= 3 }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, capture.UserMediaCount(), 4)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
