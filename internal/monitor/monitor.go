// Package monitor implements the camera health check and its bounded automatic recovery.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/media"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultCooldown      = 10 * time.Second
	DefaultResetWindow   = 60 * time.Second
	DefaultMaxAttempts   = 2
	DefaultSampleTimeout = 2 * time.Second
)

// ErrSuppressed is returned by the host when a screen capture holds, or is about to take,
// the video slot. A restart that meets it is abandoned without counting as a failure.
var ErrSuppressed = errors.New("video slot is held by a screen capture")

// Status is the CameraStatus computed on every tick.
type Status struct {
	Available     bool      `json:"available"`
	Working       bool      `json:"working"`
	HasVideoTrack bool      `json:"has_video_track"`
	Error         string    `json:"error,omitempty"`
	Exhausted     bool      `json:"exhausted"`
	Restarting    bool      `json:"restarting"`
	Attempts      int       `json:"attempts"`
	CheckedAt     time.Time `json:"checked_at"`
}

// TrackState is the host's view of its local camera track.
type TrackState struct {
	Present bool
	Live    bool
	// Suppressed is set while the video slot carries a non-camera source such as a screen capture.
	Suppressed bool
}

type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// Result describes one finished restart attempt.
type Result struct {
	Trigger   Trigger
	Attempt   int
	Err       error
	Exhausted bool
}

// Host is the session side of the monitor.
type Host interface {
	CameraTrack() TrackState
	// SampleCamera returns nil once the live camera track delivers a frame.
	SampleCamera(ctx context.Context) error
	// InstallCamera takes ownership of src, also on error, and makes it the local video
	// track. It fails with ErrSuppressed while a screen share is active or starting.
	InstallCamera(ctx context.Context, src media.Source) error
	// ReleaseCamera stops the local camera track so the device can be opened again.
	// It fails with ErrSuppressed while a screen share is active or starting.
	ReleaseCamera(ctx context.Context) error
	StatusChanged(Status)
	RestartFinished(Result)
}

type Config struct {
	Interval    time.Duration
	Cooldown    time.Duration
	ResetWindow time.Duration
	MaxAttempts int

	// SampleTimeout bounds the wait for a frame from the live camera track.
	SampleTimeout time.Duration

	Probe   media.Constraints
	Restart media.Constraints
}

func DefaultConfig() Config {
	return Config{
		Interval:      DefaultInterval,
		Cooldown:      DefaultCooldown,
		ResetWindow:   DefaultResetWindow,
		MaxAttempts:   DefaultMaxAttempts,
		SampleTimeout: DefaultSampleTimeout,
		Probe:         media.Constraints{Video: true, Width: 160, Height: 120, FrameRate: 5},
		Restart:       media.Constraints{Video: true, Width: 320, Height: 240},
	}
}

// Monitor holds the restart state of one session. Counters are advanced by the injected clock.
type Monitor struct {
	cfg     Config
	capture media.Capture
	host    Host
	clock   clockwork.Clock
	logger  *zap.Logger

	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time
	exhausted   bool
	inFlight    bool

	// released is set while the camera slot is empty because a restart stopped the old track
	released bool
	status   Status

	done chan struct{}
}

func New(cfg Config, capture media.Capture, host Host, clock clockwork.Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.L().Named("camera-monitor")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = DefaultSampleTimeout
	}
	return &Monitor{
		cfg:     cfg,
		capture: capture,
		host:    host,
		clock:   clock,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run ticks every Interval and clears the attempt window every ResetWindow until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	check := m.clock.NewTicker(m.cfg.Interval)
	defer check.Stop()
	reset := m.clock.NewTicker(m.cfg.ResetWindow)
	defer reset.Stop()

	m.logger.Info("Camera monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("reset_window", m.cfg.ResetWindow))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Camera monitor stopped")
			return
		case <-check.Chan():
			m.Tick(ctx)
		case <-reset.Chan():
			m.ResetWindow()
		}
	}
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Status returns the most recent CameraStatus.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ResetWindow clears the attempt counter and the permanent-failure flag.
func (m *Monitor) ResetWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts > 0 || m.exhausted {
		m.logger.Info("Camera restart window reset",
			zap.Int("attempts", m.attempts),
			zap.Bool("was_exhausted", m.exhausted))
	}
	m.attempts = 0
	m.exhausted = false
	m.status.Attempts = 0
	m.status.Exhausted = false
}

// Tick samples the camera once and starts a restart when the policy allows it.
// A live camera track is judged by its own frames, since it keeps the device open;
// the probe capture only runs when no live camera track exists.
// Enumeration, sample and probe errors end up in Status.Error and are never returned.
func (m *Monitor) Tick(ctx context.Context) Status {
	track := m.host.CameraTrack()
	hasTrack := track.Present && !track.Suppressed

	st := Status{HasVideoTrack: hasTrack, CheckedAt: m.clock.Now()}

	devices, err := m.capture.Devices(ctx)
	if err != nil {
		st.Error = err.Error()
		m.logger.Debug("Device enumeration failed", zap.Error(err))
	}
	st.Available = media.HasKind(devices, media.VideoInput)

	m.mu.Lock()
	exhausted := m.exhausted
	inFlight := m.inFlight
	m.mu.Unlock()

	switch {
	case hasTrack && track.Live:
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
		serr := m.host.SampleCamera(sctx)
		cancel()
		if serr != nil {
			st.Error = serr.Error()
			m.logger.Debug("Camera track delivered no frame", zap.Error(serr))
		} else {
			st.Working = true
		}
	case st.Available && !exhausted && !inFlight && !track.Suppressed:
		c := m.cfg.Probe
		if d, ok := media.FirstOfKind(devices, media.VideoInput); ok {
			c.VideoDeviceID = d.ID
		}
		if perr := m.capture.Probe(ctx, c); perr != nil {
			st.Error = perr.Error()
			m.logger.Debug("Camera probe failed", zap.Error(perr))
		}
	}

	m.mu.Lock()
	if track.Present {
		m.released = false
	}
	wantsCamera := hasTrack || (m.released && !track.Suppressed)

	now := m.clock.Now()
	restart := st.Available && !st.Working && wantsCamera &&
		!m.inFlight && !m.exhausted &&
		m.attempts < m.cfg.MaxAttempts &&
		(m.lastAttempt.IsZero() || now.Sub(m.lastAttempt) >= m.cfg.Cooldown)
	if restart {
		m.beginAttemptLocked(now)
	}
	st.Exhausted = m.exhausted
	st.Restarting = m.inFlight
	st.Attempts = m.attempts
	m.status = st
	m.mu.Unlock()

	m.host.StatusChanged(st)

	if restart {
		m.restart(ctx, TriggerAutomatic, devices)
		st = m.Status()
	}
	return st
}

// ManualRestart clears the permanent-failure flag and the counter, then attempts a restart.
// It returns started=false when a restart is already in flight or the video slot is held by
// a screen capture. A failed attempt comes back as a warning.
func (m *Monitor) ManualRestart(ctx context.Context) (bool, error) {
	if m.host.CameraTrack().Suppressed {
		m.logger.Debug("Manual restart ignored while screen sharing")
		return false, nil
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		m.logger.Debug("Manual restart ignored, restart already in flight")
		return false, nil
	}
	m.exhausted = false
	m.attempts = 0
	m.beginAttemptLocked(m.clock.Now())
	m.mu.Unlock()

	devices, err := m.capture.Devices(ctx)
	if err != nil {
		m.logger.Debug("Device enumeration failed before manual restart", zap.Error(err))
	}
	res := m.restart(ctx, TriggerManual, devices)
	if errors.Is(res.Err, ErrSuppressed) {
		return false, nil
	}
	if res.Err != nil {
		classified := media.Classify(res.Err)
		return true, callerr.Warn(callerr.KindOf(classified), res.Err).
			WithMessage("camera restart failed: " + callerr.UserMessage(classified))
	}
	return true, nil
}

func (m *Monitor) beginAttemptLocked(now time.Time) {
	m.attempts++
	m.lastAttempt = now
	m.inFlight = true
}

func (m *Monitor) restart(ctx context.Context, trigger Trigger, devices []media.Device) Result {
	m.mu.Lock()
	attempt := m.attempts
	m.mu.Unlock()

	logger := m.logger.With(zap.String("trigger", string(trigger)), zap.Int("attempt", attempt))
	logger.Info("Restarting camera")

	err := m.reacquire(ctx, devices)

	m.mu.Lock()
	m.inFlight = false
	res := Result{Trigger: trigger, Attempt: attempt, Err: err}
	if errors.Is(err, ErrSuppressed) {
		m.attempts--
		m.status.Restarting = false
		m.status.Attempts = m.attempts
		m.mu.Unlock()

		logger.Info("Camera restart abandoned, screen share took the video slot")
		m.host.RestartFinished(res)
		return res
	}
	if err != nil {
		if m.attempts >= m.cfg.MaxAttempts {
			m.exhausted = true
			res.Exhausted = true
		}
		m.status.Error = err.Error()
	} else {
		m.released = false
		m.status.Working = true
		m.status.HasVideoTrack = true
		m.status.Error = ""
	}
	m.status.Restarting = false
	m.status.Exhausted = m.exhausted
	m.status.Attempts = m.attempts
	st := m.status
	m.mu.Unlock()

	if err != nil {
		if res.Exhausted {
			logger.Warn("Camera recovery exhausted", zap.Error(err))
		} else {
			logger.Warn("Camera restart failed", zap.Error(err))
		}
	} else {
		logger.Info("Camera restarted")
	}

	m.host.StatusChanged(st)
	m.host.RestartFinished(res)
	return res
}

// reacquire opens a fresh camera capture and installs it. When the device is still held
// open by the old track, that track is released first and the capture is retried once.
func (m *Monitor) reacquire(ctx context.Context, devices []media.Device) error {
	c := m.cfg.Restart
	c.Video = true
	c.Audio = false
	if d, ok := media.FirstOfKind(devices, media.VideoInput); ok {
		c.VideoDeviceID = d.ID
	}

	sources, err := m.capture.UserMedia(ctx, c)
	if media.IsAlreadyOpen(err) {
		m.logger.Debug("Camera still held by the old track, releasing it", zap.Error(err))
		if rerr := m.host.ReleaseCamera(ctx); rerr != nil {
			return rerr
		}
		m.mu.Lock()
		m.released = true
		m.mu.Unlock()
		sources, err = m.capture.UserMedia(ctx, c)
	}
	if err != nil {
		return err
	}

	var video media.Source
	for _, s := range sources {
		if s.Kind() == webrtc.RTPCodecTypeVideo && video == nil {
			video = s
			continue
		}
		_ = s.Close()
	}
	if video == nil {
		return errors.New("restart capture returned no video track")
	}
	return m.host.InstallCamera(ctx, video)
}
