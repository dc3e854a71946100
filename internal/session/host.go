package session

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/metrics"
	"github.com/mikeyg42/televisit/internal/monitor"
)

// sessionHost is the view the camera monitor and the screen-share controller get of one
// active session. Every call is a no-op once the session has left the active phase.
type sessionHost struct {
	e *Engine
	a *activePhase
}

func (h *sessionHost) live() bool {
	return h.e.phase == phase(h.a) && !h.a.ending
}

func (h *sessionHost) CameraTrack() monitor.TrackState {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if !h.live() {
		return monitor.TrackState{}
	}
	st := monitor.TrackState{Suppressed: h.a.share.Busy()}
	if v := h.a.store.Video(); v != nil {
		st.Present = true
		st.Live = v.Live()
	}
	return st
}

func (h *sessionHost) HasLocalStream() bool {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.live() && len(h.a.store.Tracks()) > 0
}

// SwapVideo installs src as the local video track on the store, the video sender and the
// recorder. A nil src leaves the session without local video.
func (h *sessionHost) SwapVideo(ctx context.Context, src media.Source) error {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if !h.live() {
		closeSource(src)
		return callerr.New(callerr.KindNotActive)
	}
	return h.swapVideoLocked(src)
}

// InstallCamera is the camera monitor's SwapVideo. It refuses while the screen-share
// controller holds or is taking the video slot, so a restart never overwrites a share.
func (h *sessionHost) InstallCamera(ctx context.Context, src media.Source) error {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if err := h.cameraSlotLocked(); err != nil {
		closeSource(src)
		return err
	}
	return h.swapVideoLocked(src)
}

// ReleaseCamera stops the local camera track so a restart can reopen the device.
func (h *sessionHost) ReleaseCamera(ctx context.Context) error {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if err := h.cameraSlotLocked(); err != nil {
		return err
	}
	return h.swapVideoLocked(nil)
}

func (h *sessionHost) cameraSlotLocked() error {
	if !h.live() {
		return callerr.New(callerr.KindNotActive)
	}
	if h.a.share.Busy() {
		return monitor.ErrSuppressed
	}
	return nil
}

// SampleCamera waits for one frame from the local camera track. Sources that cannot be
// sampled are trusted while they are live.
func (h *sessionHost) SampleCamera(ctx context.Context) error {
	h.e.mu.Lock()
	var src media.Source
	if h.live() {
		if v := h.a.store.Video(); v != nil {
			src = v.Source()
		}
	}
	h.e.mu.Unlock()

	if src == nil {
		return errors.New("no camera track")
	}
	if sampler, ok := src.(media.FrameSampler); ok {
		return sampler.SampleFrame(ctx)
	}
	return nil
}

func (h *sessionHost) swapVideoLocked(src media.Source) error {
	a := h.a
	sender := a.senders[webrtc.RTPCodecTypeVideo]

	if src == nil {
		if sender != nil {
			if err := sender.ReplaceTrack(nil); err != nil {
				a.logger.Warn("Failed to clear video sender", zap.Error(err))
			}
		}
		a.recorder.Rebind(webrtc.RTPCodecTypeVideo, nil)
		if _, err := a.store.ReleaseKind(webrtc.RTPCodecTypeVideo); err != nil {
			a.logger.Warn("Failed to stop video track", zap.Error(err))
		}
		h.e.syncParticipantLocked(a)
		return nil
	}

	track, err := a.store.Replace(src)
	if err != nil {
		_ = src.Close()
		return err
	}
	if sender != nil {
		var out media.Source
		if track.Enabled() {
			out = src
		}
		if err := sender.ReplaceTrack(out); err != nil {
			a.logger.Warn("Video sender did not take the new track", zap.String("track_id", src.ID()), zap.Error(err))
		}
	}
	a.recorder.Rebind(webrtc.RTPCodecTypeVideo, src)
	h.e.syncParticipantLocked(a)
	h.e.clearDegradationLocked(a, callerr.KindScreenShareFailed)
	return nil
}

func closeSource(src media.Source) {
	if src != nil {
		_ = src.Close()
	}
}

func (h *sessionHost) StatusChanged(st monitor.Status) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if !h.live() {
		return
	}
	h.a.session.Camera = &st
	if st.Working {
		h.e.clearDegradationLocked(h.a, callerr.KindRecoveryExhausted)
	}
}

func (h *sessionHost) RestartFinished(res monitor.Result) {
	if errors.Is(res.Err, monitor.ErrSuppressed) {
		return
	}
	metrics.CameraRestartsTotal.WithLabelValues(string(res.Trigger), metrics.Result(res.Err, "recovered")).Inc()

	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if !h.live() {
		return
	}
	switch {
	case res.Err == nil:
		h.e.clearDegradationLocked(h.a, callerr.KindRecoveryExhausted)
		h.e.appendSystemLocked(h.a, "Camera restarted")
	case res.Exhausted && res.Trigger == monitor.TriggerAutomatic:
		metrics.CameraRecoveryExhaustedTotal.Inc()
		h.e.degradeLocked(h.a, callerr.Warn(callerr.KindRecoveryExhausted, res.Err))
		h.e.appendSystemLocked(h.a, "Camera could not be recovered automatically")
	}
}

func (h *sessionHost) Notify(text string) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.live() {
		h.e.appendSystemLocked(h.a, text)
	}
}

func (h *sessionHost) Degraded(err error) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.live() {
		h.e.degradeLocked(h.a, err)
	}
}
