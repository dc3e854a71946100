package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/mikeyg42/televisit/internal/callerr"
)

// Acquire enumerates devices and requests capture only for the kinds that are present,
// so audio-only or video-only hardware never fails on the missing kind.
// Failures come back classified as PermissionDenied, DeviceNotFound, DeviceBusy or AcquisitionFailed.
func Acquire(ctx context.Context, capture Capture, base Constraints) ([]Source, error) {
	devices, err := capture.Devices(ctx)
	if err != nil {
		return nil, Classify(fmt.Errorf("enumerate devices: %w", err))
	}

	c := base
	c.Video = base.Video && HasKind(devices, VideoInput)
	c.Audio = base.Audio && HasKind(devices, AudioInput)
	if !c.Video && !c.Audio {
		return nil, callerr.Wrap(callerr.KindDeviceNotFound, errors.New("no capture devices enumerated"))
	}
	if c.Video && c.VideoDeviceID == "" {
		d, _ := FirstOfKind(devices, VideoInput)
		c.VideoDeviceID = d.ID
	}
	if c.Audio && c.AudioDeviceID == "" {
		d, _ := FirstOfKind(devices, AudioInput)
		c.AudioDeviceID = d.ID
	}

	sources, err := capture.UserMedia(ctx, c)
	if err != nil {
		return nil, Classify(err)
	}
	if len(sources) == 0 {
		return nil, callerr.Wrap(callerr.KindAcquisitionFailed, errors.New("capture returned no tracks"))
	}
	return sources, nil
}

// Classify maps a raw capture error onto the acquisition taxonomy.
// Permission is checked first, then busy, then not-found; anything else is AcquisitionFailed.
// An already classified error is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if callerr.KindOf(err) != "" {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM),
		containsAny(msg, "permission", "not allowed", "notallowed", "denied"):
		return callerr.Wrap(callerr.KindPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY),
		containsAny(msg, "busy", "in use", "notreadable", "could not start", "already opened"):
		return callerr.Wrap(callerr.KindDeviceBusy, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV),
		containsAny(msg, "not found", "notfound", "no such device", "failed to find"):
		return callerr.Wrap(callerr.KindDeviceNotFound, err)
	default:
		return callerr.Wrap(callerr.KindAcquisitionFailed, err)
	}
}

// IsAlreadyOpen reports whether a capture failed because the device is still held open,
// typically by a track of this same session.
func IsAlreadyOpen(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already opened")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
