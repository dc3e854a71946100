// Package screenshare swaps the outgoing video between the camera and a screen capture.
package screenshare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/media"
)

var errNoLocalStream = errors.New("no local stream to share into")

// Host is the session side of the controller.
type Host interface {
	HasLocalStream() bool
	// SwapVideo takes ownership of src, also on error, and makes it the local video track
	// on both the local stream and the outgoing video sender. A nil src only releases the
	// current video track.
	SwapVideo(ctx context.Context, src media.Source) error
	// Notify appends a system chat message.
	Notify(text string)
	// Degraded reports that the session has lost its local video.
	Degraded(err error)
}

// Controller owns the sharing flag of one session.
type Controller struct {
	capture media.Capture
	host    Host
	camera  media.Constraints
	display media.Constraints
	base    context.Context
	logger  *zap.Logger

	mu       sync.Mutex
	sharing  bool
	busy     bool
	closed   bool
	screenID string

	wg sync.WaitGroup
}

// New returns a controller. base bounds the camera re-acquisition run when the
// platform ends the share on its own.
func New(base context.Context, capture media.Capture, host Host, camera, display media.Constraints, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.L().Named("screen-share")
	}
	camera.Video = true
	camera.Audio = false
	display.Video = true
	display.Audio = false
	return &Controller{
		capture: capture,
		host:    host,
		camera:  camera,
		display: display,
		base:    base,
		logger:  logger,
	}
}

// Sharing reports whether the screen capture currently holds the video slot.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// Busy reports whether a screen capture holds, or is about to take or give back, the video slot.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing || c.busy
}

// Start replaces the local video track with a screen capture. Calling it while already
// sharing is a no-op. Failures are warnings; the session keeps its camera.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return callerr.New(callerr.KindNotActive)
	}
	if c.sharing || c.busy {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	c.mu.Unlock()

	if !c.host.HasLocalStream() {
		c.finish(false, "")
		return callerr.Warn(callerr.KindScreenShareFailed, errNoLocalStream)
	}

	src, err := c.capture.DisplayMedia(ctx, c.display)
	if err != nil {
		c.finish(false, "")
		classified := media.Classify(err)
		return callerr.Warn(callerr.KindScreenShareFailed, err).
			WithMessage("screen sharing could not start: " + callerr.UserMessage(classified))
	}

	id := src.ID()
	src.OnEnded(func(error) { c.platformStopped(id) })

	if err := c.host.SwapVideo(ctx, src); err != nil {
		c.finish(false, "")
		return callerr.Warn(callerr.KindScreenShareFailed, fmt.Errorf("replace video with screen capture: %w", err))
	}

	c.finish(true, id)
	c.logger.Info("Screen share started", zap.String("track_id", id))
	c.host.Notify("Screen sharing started")
	return nil
}

// Stop restores a camera track in place of the screen capture. It is a no-op when not sharing.
// If the camera cannot be re-acquired the session is left without local video and a
// ScreenShareFailed warning is returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || !c.sharing || c.busy {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	screenID := c.screenID
	c.mu.Unlock()

	err := c.restoreCamera(ctx)
	if err != nil {
		if rerr := c.host.SwapVideo(ctx, nil); rerr != nil {
			c.logger.Warn("Failed to release screen capture", zap.Error(rerr))
		}
		c.finish(false, "")

		warn := callerr.Warn(callerr.KindScreenShareFailed, err).
			WithMessage("screen sharing stopped but the camera could not be restarted: " +
				callerr.UserMessage(media.Classify(err)))
		c.logger.Warn("Camera not restored after screen share",
			zap.String("screen_track_id", screenID),
			zap.Error(err))
		c.host.Degraded(warn)
		c.host.Notify("Screen sharing stopped; camera unavailable")
		return warn
	}

	c.finish(false, "")
	c.logger.Info("Screen share stopped", zap.String("screen_track_id", screenID))
	c.host.Notify("Screen sharing stopped")
	return nil
}

func (c *Controller) restoreCamera(ctx context.Context) error {
	sources, err := media.Acquire(ctx, c.capture, c.camera)
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
		return callerr.Wrap(callerr.KindDeviceNotFound, errors.New("camera capture returned no video track"))
	}
	return c.host.SwapVideo(ctx, video)
}

func (c *Controller) finish(sharing bool, screenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.sharing = sharing
	c.screenID = screenID
}

// platformStopped runs when the screen track ends outside our control, e.g. the OS
// "stop sharing" button.
func (c *Controller) platformStopped(trackID string) {
	c.mu.Lock()
	current := c.sharing && !c.busy && !c.closed && c.screenID == trackID
	c.mu.Unlock()
	if !current {
		return
	}

	c.logger.Info("Screen capture ended by platform", zap.String("track_id", trackID))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Stop(c.base); err != nil {
			c.logger.Warn("Automatic screen share stop degraded video", zap.Error(err))
		}
	}()
}

// Close disables the controller. The session releases the tracks itself.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Wait blocks until automatic stops started by platform events have returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}
