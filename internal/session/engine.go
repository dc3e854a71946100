package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/appointment"
	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/metrics"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/screenshare"
	"github.com/mikeyg42/televisit/internal/transport"
)

const finalizeTimeout = 10 * time.Second

// Identity resolves the local user a call is started for.
type Identity interface {
	CurrentUser(ctx context.Context) (User, error)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (User, error)

func (f IdentityFunc) CurrentUser(ctx context.Context) (User, error) { return f(ctx) }

// StaticUser always resolves to u.
func StaticUser(u User) Identity {
	return IdentityFunc(func(context.Context) (User, error) { return u, nil })
}

// History receives every session that reached a terminal status.
type History interface {
	Append(ctx context.Context, s CallSession) error
}

// Claimer reserves an appointment for one session across processes.
type Claimer interface {
	Claim(ctx context.Context, appointmentID, sessionID string) (release func(context.Context) error, err error)
}

type Config struct {
	Capture   media.Constraints
	Display   media.Constraints
	Monitor   monitor.Config
	Recording recording.Config
}

func DefaultConfig() Config {
	return Config{
		Capture: media.Constraints{
			Audio:        true,
			Video:        true,
			Width:        640,
			Height:       480,
			FrameRate:    25,
			SampleRate:   48000,
			ChannelCount: 1,
		},
		Display: media.Constraints{Video: true, FrameRate: 15},
		Monitor: monitor.DefaultConfig(),
		Recording: recording.Config{
			Dir:        "recordings",
			Width:      640,
			Height:     480,
			FrameRate:  25,
			SampleRate: 48000,
			Channels:   1,
		},
	}
}

// Deps are the collaborators of an Engine. Transport, History and Claims are optional.
type Deps struct {
	Appointments appointment.Directory
	Identity     Identity
	Capture      media.Capture
	Transport    transport.Connector
	History      History
	Claims       Claimer
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

type phase interface {
	status() Status
}

// idlePhase holds no live resources; last is the most recent terminal session, if any.
type idlePhase struct {
	last *CallSession
}

// connectingPhase exists only while local media is being acquired.
type connectingPhase struct {
	session *CallSession
	settled chan struct{}
}

// activePhase owns every live resource of the call.
type activePhase struct {
	session  *CallSession
	user     User
	logger   *zap.Logger
	log      *chat.Log
	store    *media.Store
	peer     transport.Peer
	senders  map[webrtc.RTPCodecType]transport.Sender
	monitor  *monitor.Monitor
	share    *screenshare.Controller
	recorder *recording.Recorder
	cancel   context.CancelFunc
	release  func(context.Context) error

	// recMu serializes recorder start and stop; it is taken before Engine.mu, so a
	// recording is flushed without holding the engine lock
	recMu sync.Mutex
	// ending is set once EndCall has begun; ended is closed when the teardown finished
	ending bool
	ended  chan struct{}
}

func (idlePhase) status() Status        { return StatusIdle }
func (*connectingPhase) status() Status { return StatusConnecting }
func (*activePhase) status() Status     { return StatusActive }

// Engine is the call session state machine. It runs at most one session at a time
// and is the only writer of session state.
type Engine struct {
	cfg    Config
	deps   Deps
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	starting bool
	phase    phase
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Appointments == nil {
		return nil, errors.New("session: appointment directory is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("session: identity is required")
	}
	if deps.Capture == nil {
		return nil, errors.New("session: capture is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.L().Named("session")
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger,
		phase:  idlePhase{},
	}, nil
}

// Status returns the state of the engine. After a call ends it reports the
// terminal status of that call until the next start.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.phase.(idlePhase); ok && p.last != nil {
		return p.last.Status
	}
	return e.phase.status()
}

// Current returns the connecting or active session, or nil.
func (e *Engine) Current() *CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch p := e.phase.(type) {
	case *connectingPhase:
		return p.session.Clone()
	case *activePhase:
		return e.snapshotLocked(p)
	}
	return nil
}

// Last returns the most recent terminal session, or nil.
func (e *Engine) Last() *CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.phase.(idlePhase); ok {
		return p.last.Clone()
	}
	return nil
}

// StartCall validates the appointment, acquires local media and activates a new session.
// A failed acquisition yields the failed session together with the classified error.
func (e *Engine) StartCall(ctx context.Context, appointmentID string) (*CallSession, error) {
	id := strings.TrimSpace(appointmentID)
	if id == "" {
		return nil, callerr.Wrap(callerr.KindInvalidInput, errors.New("appointment id is required"))
	}

	e.mu.Lock()
	if _, idle := e.phase.(idlePhase); !idle || e.starting {
		e.mu.Unlock()
		e.rejected(id, callerr.ErrAlreadyInProgress)
		return nil, callerr.New(callerr.KindAlreadyInProgress)
	}
	e.starting = true
	e.mu.Unlock()

	sessionID := uuid.NewString()
	appt, user, release, err := e.admit(ctx, id, sessionID)
	if err != nil {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
		e.rejected(id, err)
		return nil, err
	}

	s := &CallSession{
		ID:            sessionID,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		Status:        StatusConnecting,
		StartedAt:     e.clock.Now(),
		Participants: []Participant{{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			Role:        user.Role,
		}},
	}
	c := &connectingPhase{session: s, settled: make(chan struct{})}

	e.mu.Lock()
	e.starting = false
	e.phase = c
	e.mu.Unlock()

	logger := e.logger.With(zap.String("session_id", s.ID), zap.String("appointment_id", s.AppointmentID))
	logger.Info("Call connecting")

	a, err := e.connect(ctx, s, user, logger)
	if err != nil {
		return e.fail(c, err, release, logger)
	}
	a.release = release

	e.mu.Lock()
	s.Status = StatusActive
	e.syncParticipantLocked(a)
	e.appendSystemLocked(a, "Call started")
	e.phase = a
	monCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.monitor.Run(monCtx)
	snap := e.snapshotLocked(a)
	close(c.settled)
	e.mu.Unlock()

	metrics.SessionsActive.Inc()
	logger.Info("Call active",
		zap.Bool("video", snap.Local().VideoEnabled),
		zap.Bool("audio", snap.Local().AudioEnabled))
	return snap, nil
}

// admit runs the preconditions of a start: eligibility, identity and the cross-process claim.
func (e *Engine) admit(ctx context.Context, id, sessionID string) (appointment.Appointment, User, func(context.Context) error, error) {
	appt, err := e.deps.Appointments.Lookup(ctx, id)
	if err != nil {
		if callerr.KindOf(err) == "" {
			err = callerr.Wrap(callerr.KindAppointmentNotFound, err)
		}
		return appointment.Appointment{}, User{}, nil, err
	}
	if !appt.Modality.RemoteCapable() {
		return appointment.Appointment{}, User{}, nil, callerr.Wrap(callerr.KindAppointmentNotEligible,
			fmt.Errorf("appointment %s has modality %q", appt.ID, appt.Modality))
	}

	user, err := e.deps.Identity.CurrentUser(ctx)
	if err != nil {
		return appointment.Appointment{}, User{}, nil, callerr.Wrap(callerr.KindInvalidInput, fmt.Errorf("resolve local user: %w", err))
	}
	if user.ID == "" || !user.Role.Valid() {
		return appointment.Appointment{}, User{}, nil, callerr.Wrap(callerr.KindInvalidInput,
			fmt.Errorf("local user %q has role %q", user.ID, user.Role))
	}
	if user.DisplayName == "" {
		user.DisplayName = user.ID
	}

	var release func(context.Context) error
	if e.deps.Claims != nil {
		release, err = e.deps.Claims.Claim(ctx, appt.ID, sessionID)
		if err != nil {
			if callerr.KindOf(err) == "" {
				err = callerr.Wrap(callerr.KindAlreadyInProgress, err)
			}
			return appointment.Appointment{}, User{}, nil, err
		}
	}
	return appt, user, release, nil
}

// connect builds the active phase: local tracks, the peer connection and the controllers.
// On error every resource acquired so far has been released.
func (e *Engine) connect(ctx context.Context, s *CallSession, user User, logger *zap.Logger) (*activePhase, error) {
	sources, err := media.Acquire(ctx, e.deps.Capture, e.cfg.Capture)
	if err != nil {
		return nil, err
	}

	store := media.NewStore(logger.Named("media-store"))
	for _, src := range sources {
		if _, err := store.Attach(src); err != nil {
			logger.Warn("Dropping extra capture track", zap.String("track_id", src.ID()), zap.Error(err))
			_ = src.Close()
		}
	}

	a := &activePhase{
		session: s,
		user:    user,
		logger:  logger,
		log:     chat.NewLog(),
		store:   store,
		senders: make(map[webrtc.RTPCodecType]transport.Sender),
		ended:   make(chan struct{}),
	}

	if e.deps.Transport != nil {
		peer, err := e.deps.Transport.Connect(ctx, s.ID)
		if err != nil {
			_ = store.ReleaseLocal()
			return nil, callerr.Wrap(callerr.KindTransportFailed, err)
		}
		peer.OnRemoteTrack(func(participantID string, track media.RemoteTrack) {
			logger.Info("Remote track received",
				zap.String("participant_id", participantID),
				zap.String("track_id", track.ID()),
				zap.String("kind", track.Kind().String()))
			store.AddRemote(participantID, track)
		})
		peer.OnRemoteTrackEnded(func(participantID, trackID string) {
			logger.Info("Remote track ended",
				zap.String("participant_id", participantID),
				zap.String("track_id", trackID))
			store.RemoveRemote(participantID, trackID)
		})
		for _, t := range store.Tracks() {
			sender, err := peer.AddTrack(t.Source())
			if err != nil {
				_ = peer.Close()
				_ = store.ReleaseLocal()
				return nil, callerr.Wrap(callerr.KindTransportFailed, fmt.Errorf("add %s track: %w", t.Kind(), err))
			}
			a.senders[t.Kind()] = sender
		}
		a.peer = peer
	}

	host := &sessionHost{e: e, a: a}
	a.monitor = monitor.New(e.cfg.Monitor, e.deps.Capture, host, e.clock, logger.Named("camera-monitor"))
	a.share = screenshare.New(context.Background(), e.deps.Capture, host, e.cfg.Capture, e.cfg.Display, logger.Named("screen-share"))
	a.recorder = recording.New(e.cfg.Recording, s.ID, e.clock, logger.Named("recorder"))
	return a, nil
}

// fail moves a connecting session to failed. Resources were already released by connect.
func (e *Engine) fail(c *connectingPhase, err error, release func(context.Context) error, logger *zap.Logger) (*CallSession, error) {
	if callerr.KindOf(err) == "" {
		err = callerr.Wrap(callerr.KindAcquisitionFailed, err)
	}

	e.mu.Lock()
	s := c.session
	now := e.clock.Now()
	s.Status = StatusFailed
	s.EndedAt = &now
	s.Failure = &Failure{Code: callerr.KindOf(err), Message: callerr.UserMessage(err)}
	final := s.Clone()
	e.phase = idlePhase{last: final}
	close(c.settled)
	e.mu.Unlock()

	logger.Error("Call failed", zap.String("code", string(final.Failure.Code)), zap.Error(err))
	metrics.SessionsTotal.WithLabelValues("failed").Inc()
	metrics.SessionFailuresTotal.WithLabelValues(string(final.Failure.Code)).Inc()
	e.finalize(final, release, logger)
	return final.Clone(), err
}

func (e *Engine) rejected(appointmentID string, err error) {
	e.logger.Info("Call start rejected",
		zap.String("appointment_id", appointmentID),
		zap.String("code", string(callerr.KindOf(err))),
		zap.Error(err))
	metrics.SessionsTotal.WithLabelValues("rejected").Inc()
	metrics.SessionFailuresTotal.WithLabelValues(string(callerr.KindOf(err))).Inc()
}

// EndCall tears the session down. It is a no-op without a live session and returns the
// last terminal session, so repeated calls yield the same result. A call that is still
// connecting is waited for first.
func (e *Engine) EndCall(ctx context.Context) (*CallSession, error) {
	for {
		e.mu.Lock()
		switch p := e.phase.(type) {
		case idlePhase:
			e.mu.Unlock()
			return p.last.Clone(), nil
		case *connectingPhase:
			e.mu.Unlock()
			select {
			case <-p.settled:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case *activePhase:
			if p.ending {
				e.mu.Unlock()
				select {
				case <-p.ended:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			p.ending = true
			p.cancel()
			e.mu.Unlock()

			p.recMu.Lock()
			art, rerr := p.recorder.Stop()
			e.mu.Lock()
			final := e.teardownLocked(p, art, rerr)
			e.mu.Unlock()
			p.recMu.Unlock()
			close(p.ended)

			<-p.monitor.Done()
			p.share.Wait()
			metrics.SessionsActive.Dec()
			metrics.SessionsTotal.WithLabelValues("ended").Inc()
			p.logger.Info("Call ended", zap.Duration("duration", final.Duration()))
			e.finalize(final, p.release, p.logger)
			return final.Clone(), nil
		}
	}
}

// teardownLocked releases every resource of a in the fixed order: recording, local tracks,
// remote handles, transport. The recording was already stopped by the caller, outside
// Engine.mu; art and err are its outcome. It is not cancellable.
func (e *Engine) teardownLocked(a *activePhase, art *recording.Artifact, err error) *CallSession {
	if err != nil {
		a.logger.Error("Failed to flush recording", zap.Error(err))
		metrics.RecordingsTotal.WithLabelValues("failed").Inc()
		a.session.Recording = false
	} else if art != nil {
		e.recordArtifactLocked(a, art)
	}
	a.share.Close()

	if err := a.store.ReleaseLocal(); err != nil {
		a.logger.Warn("Failed to stop local tracks", zap.Error(err))
	}
	a.store.ReleaseRemotes()
	if a.peer != nil {
		if err := a.peer.Close(); err != nil {
			a.logger.Warn("Failed to close peer connection", zap.Error(err))
		}
	}

	e.appendSystemLocked(a, "Call ended")
	final := e.snapshotLocked(a)
	now := e.clock.Now()
	final.Status = StatusEnded
	final.EndedAt = &now
	final.ScreenSharing = false
	final.Recording = false
	for i := range final.Participants {
		final.Participants[i].VideoEnabled = false
		final.Participants[i].AudioEnabled = false
	}
	e.phase = idlePhase{last: final}
	return final
}

// finalize appends a terminal session to history and drops the appointment claim.
func (e *Engine) finalize(final *CallSession, release func(context.Context) error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if e.deps.History != nil {
		if err := e.deps.History.Append(ctx, *final.Clone()); err != nil {
			logger.Error("Failed to append call history", zap.Error(err))
		}
	}
	if release != nil {
		if err := release(ctx); err != nil {
			logger.Warn("Failed to release appointment claim", zap.Error(err))
		}
	}
}

// snapshotLocked returns a copy of the active session with the live controller state folded in.
func (e *Engine) snapshotLocked(a *activePhase) *CallSession {
	s := a.session.Clone()
	s.Chat = a.log.Messages()
	s.ScreenSharing = a.share.Sharing()
	return s
}

// activeLocked returns the live session. A session whose teardown has begun is not active.
func (e *Engine) activeLocked() (*activePhase, error) {
	a, ok := e.phase.(*activePhase)
	if !ok || a.ending {
		return nil, callerr.New(callerr.KindNotActive)
	}
	return a, nil
}

// lockRecording takes the recording lock of the live session and then Engine.mu. Both are
// held on success; callers release them with the returned func.
func (e *Engine) lockRecording() (*activePhase, func(), error) {
	e.mu.Lock()
	a, err := e.activeLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	a.recMu.Lock()
	e.mu.Lock()
	if cur, err := e.activeLocked(); err != nil || cur != a {
		e.mu.Unlock()
		a.recMu.Unlock()
		return nil, nil, callerr.New(callerr.KindNotActive)
	}
	return a, func() {
		e.mu.Unlock()
		a.recMu.Unlock()
	}, nil
}

// snapshotOf returns the snapshot of a if it is still the live session, else the last terminal one.
func (e *Engine) snapshotOf(a *activePhase) *CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == phase(a) {
		return e.snapshotLocked(a)
	}
	if p, ok := e.phase.(idlePhase); ok {
		return p.last.Clone()
	}
	return nil
}

func (e *Engine) syncParticipantLocked(a *activePhase) {
	if len(a.session.Participants) == 0 {
		return
	}
	p := &a.session.Participants[0]
	v, au := a.store.Video(), a.store.Audio()
	p.VideoEnabled = v != nil && v.Enabled()
	p.AudioEnabled = au != nil && au.Enabled()
}

func (e *Engine) appendSystemLocked(a *activePhase, text string) {
	a.log.Append(chat.Message{
		ID:         uuid.NewString(),
		SenderID:   chat.SystemSender,
		SenderName: "System",
		Text:       text,
		Timestamp:  e.clock.Now(),
		Kind:       chat.KindSystem,
	})
	metrics.ChatMessagesTotal.WithLabelValues(string(chat.KindSystem)).Inc()
}

// degradeLocked records err as an active degradation, replacing any older one of the same code.
func (e *Engine) degradeLocked(a *activePhase, err error) {
	code := callerr.KindOf(err)
	e.clearDegradationLocked(a, code)
	a.session.Degradations = append(a.session.Degradations, Degradation{
		Code:    code,
		Message: callerr.UserMessage(err),
		Since:   e.clock.Now(),
	})
	a.logger.Warn("Session degraded", zap.String("code", string(code)), zap.Error(err))
}

func (e *Engine) clearDegradationLocked(a *activePhase, codes ...callerr.Kind) {
	kept := a.session.Degradations[:0]
	for _, d := range a.session.Degradations {
		drop := false
		for _, c := range codes {
			if d.Code == c {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, d)
		}
	}
	a.session.Degradations = kept
}

func (e *Engine) recordArtifactLocked(a *activePhase, art *recording.Artifact) {
	a.session.Recording = false
	a.session.Artifacts = append(a.session.Artifacts, *art)
	latest := *art
	a.session.Artifact = &latest
	e.appendSystemLocked(a, "Recording stopped")
	metrics.RecordingsTotal.WithLabelValues("saved").Inc()
	metrics.RecordingBytes.Observe(float64(art.Size))
	a.logger.Info("Recording finalized",
		zap.String("artifact_id", art.ID),
		zap.String("path", art.Path),
		zap.Int64("size", art.Size))
}
