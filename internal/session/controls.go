package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/metrics"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
)

// TrackInfo describes one local track of the live session.
type TrackInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
	Live    bool   `json:"live"`
}

// ToggleVideo flips the local video track and the participant flag together.
func (e *Engine) ToggleVideo(ctx context.Context) (*CallSession, error) {
	return e.toggle(webrtc.RTPCodecTypeVideo)
}

// ToggleAudio flips the local audio track and the participant flag together.
func (e *Engine) ToggleAudio(ctx context.Context) (*CallSession, error) {
	return e.toggle(webrtc.RTPCodecTypeAudio)
}

// toggle is a no-op when the session has no track of kind. If the outgoing sender
// cannot follow, the track is flipped back and the session is unchanged.
func (e *Engine) toggle(kind webrtc.RTPCodecType) (*CallSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.activeLocked()
	if err != nil {
		return nil, err
	}
	track := a.store.Local(kind)
	if track == nil {
		return e.snapshotLocked(a), nil
	}

	next := !track.Enabled()
	track.SetEnabled(next)
	if sender := a.senders[kind]; sender != nil {
		var out media.Source
		if next {
			out = track.Source()
		}
		if err := sender.ReplaceTrack(out); err != nil {
			track.SetEnabled(!next)
			a.logger.Warn("Sender rejected track toggle", zap.String("kind", kind.String()), zap.Error(err))
			return e.snapshotLocked(a), callerr.Wrap(callerr.KindTransportFailed, fmt.Errorf("toggle %s: %w", kind, err))
		}
	}
	a.recorder.SetEnabled(kind, next)
	e.syncParticipantLocked(a)

	state := "off"
	if next {
		state = "on"
	}
	name := "Camera"
	if kind == webrtc.RTPCodecTypeAudio {
		name = "Microphone"
	}
	e.appendSystemLocked(a, fmt.Sprintf("%s turned %s", name, state))
	return e.snapshotLocked(a), nil
}

// SendMessage appends a user message authored by the local participant. Text messages need
// non-blank text; file messages need a file reference and default their text to the file name.
func (e *Engine) SendMessage(ctx context.Context, text string, kind chat.Kind, file *chat.FileRef) (chat.Message, error) {
	if kind == "" {
		kind = chat.KindText
	}
	text = strings.TrimSpace(text)
	switch kind {
	case chat.KindText:
		if text == "" {
			return chat.Message{}, callerr.Wrap(callerr.KindInvalidInput, errors.New("message text is empty"))
		}
		file = nil
	case chat.KindFile:
		if file == nil || strings.TrimSpace(file.Name) == "" {
			return chat.Message{}, callerr.Wrap(callerr.KindInvalidInput, errors.New("file message needs a file name"))
		}
		if text == "" {
			text = file.Name
		}
	default:
		return chat.Message{}, callerr.Wrap(callerr.KindInvalidInput, fmt.Errorf("message kind %q cannot be sent", kind))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.activeLocked()
	if err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		ID:         uuid.NewString(),
		SenderID:   a.user.ID,
		SenderName: a.user.DisplayName,
		Text:       text,
		File:       file,
		Timestamp:  e.clock.Now(),
		Kind:       kind,
	}
	a.log.Append(msg)
	metrics.ChatMessagesTotal.WithLabelValues(string(kind)).Inc()

	msgs := a.log.Messages()
	return msgs[len(msgs)-1], nil
}

// Messages returns the chat log of the live session in append order.
func (e *Engine) Messages() ([]chat.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.activeLocked()
	if err != nil {
		return nil, err
	}
	return a.log.Messages(), nil
}

// StartScreenShare replaces the outgoing video with a screen capture. Failures are
// warnings returned next to the unchanged session.
func (e *Engine) StartScreenShare(ctx context.Context) (*CallSession, error) {
	e.mu.Lock()
	a, err := e.activeLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	err = a.share.Start(ctx)
	metrics.ScreenSharesTotal.WithLabelValues("start", metrics.Result(err, "ok")).Inc()
	if err != nil {
		a.logger.Warn("Screen share not started", zap.Error(err))
	}
	return e.snapshotOf(a), err
}

// StopScreenShare restores the camera. If that fails the session keeps running without
// local video and a warning is returned.
func (e *Engine) StopScreenShare(ctx context.Context) (*CallSession, error) {
	e.mu.Lock()
	a, err := e.activeLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	err = a.share.Stop(ctx)
	metrics.ScreenSharesTotal.WithLabelValues("stop", metrics.Result(err, "ok")).Inc()
	return e.snapshotOf(a), err
}

// StartRecording begins writing the local stream. It is a no-op while a recording runs.
func (e *Engine) StartRecording(ctx context.Context) (*CallSession, error) {
	a, unlock, err := e.lockRecording()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if a.recorder.Active() {
		return e.snapshotLocked(a), nil
	}

	tracks := a.store.Tracks()
	if len(tracks) == 0 {
		warn := callerr.Warn(callerr.KindRecordingFailed, errors.New("no local stream to record"))
		return e.snapshotLocked(a), warn
	}
	sources := make([]media.Source, 0, len(tracks))
	for _, t := range tracks {
		a.recorder.SetEnabled(t.Kind(), t.Enabled())
		sources = append(sources, t.Source())
	}

	if err := a.recorder.Start(sources); err != nil {
		if callerr.KindOf(err) == "" {
			err = callerr.Warn(callerr.KindRecordingFailed, err)
		}
		result := "failed"
		if callerr.KindOf(err) == callerr.KindRecordingUnsupported {
			result = "unsupported"
		}
		metrics.RecordingsTotal.WithLabelValues(result).Inc()
		e.degradeLocked(a, err)
		return e.snapshotLocked(a), err
	}

	a.session.Recording = true
	e.clearDegradationLocked(a, callerr.KindRecordingUnsupported, callerr.KindRecordingFailed)
	e.appendSystemLocked(a, "Recording started")
	a.logger.Info("Recording started")
	return e.snapshotLocked(a), nil
}

// StopRecording finalizes the running recording into an artifact. It is a no-op, returning
// a nil artifact, when nothing is being recorded. The file is flushed without the engine lock.
func (e *Engine) StopRecording(ctx context.Context) (*CallSession, *recording.Artifact, error) {
	a, unlock, err := e.lockRecording()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	e.mu.Unlock()
	art, err := a.recorder.Stop()
	e.mu.Lock()
	if err != nil {
		a.session.Recording = false
		warn := callerr.Warn(callerr.KindRecordingFailed, err)
		metrics.RecordingsTotal.WithLabelValues("failed").Inc()
		e.degradeLocked(a, warn)
		e.appendSystemLocked(a, "Recording stopped; the recording could not be saved")
		return e.snapshotLocked(a), nil, warn
	}
	if art == nil {
		return e.snapshotLocked(a), nil, nil
	}
	e.recordArtifactLocked(a, art)
	return e.snapshotLocked(a), art, nil
}

// CameraStatus returns the result of the latest camera health check.
func (e *Engine) CameraStatus() (monitor.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.activeLocked()
	if err != nil {
		return monitor.Status{}, err
	}
	return a.monitor.Status(), nil
}

// RestartCamera runs a manual camera restart. started is false when one is already in
// flight or the screen is being shared. A failed restart is a warning.
func (e *Engine) RestartCamera(ctx context.Context) (started bool, err error) {
	e.mu.Lock()
	a, err := e.activeLocked()
	e.mu.Unlock()
	if err != nil {
		return false, err
	}
	return a.monitor.ManualRestart(ctx)
}

// RemoteStreams returns the streams received from the other participants.
func (e *Engine) RemoteStreams() (map[string]media.RemoteStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.activeLocked()
	if err != nil {
		return nil, err
	}
	return a.store.Remotes(), nil
}

// LocalTracks describes the local stream, audio first.
func (e *Engine) LocalTracks() ([]TrackInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.activeLocked()
	if err != nil {
		return nil, err
	}
	var out []TrackInfo
	for _, t := range a.store.Tracks() {
		out = append(out, TrackInfo{
			ID:      t.ID(),
			Kind:    t.Kind().String(),
			Enabled: t.Enabled(),
			Live:    t.Live(),
		})
	}
	return out, nil
}
