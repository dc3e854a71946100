// Package callerr defines the classified failures surfaced by the call session engine.
package callerr

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class. Values are stable because the HTTP layer exposes them.
type Kind string

const (
	KindAppointmentNotFound    Kind = "APPOINTMENT_NOT_FOUND"
	KindAppointmentNotEligible Kind = "APPOINTMENT_NOT_ELIGIBLE"
	KindAlreadyInProgress      Kind = "ALREADY_IN_PROGRESS"
	KindPermissionDenied       Kind = "PERMISSION_DENIED"
	KindDeviceNotFound         Kind = "DEVICE_NOT_FOUND"
	KindDeviceBusy             Kind = "DEVICE_BUSY"
	KindAcquisitionFailed      Kind = "ACQUISITION_FAILED"
	KindRecoveryExhausted      Kind = "RECOVERY_EXHAUSTED"
	KindScreenShareFailed      Kind = "SCREEN_SHARE_FAILED"
	KindRecordingUnsupported   Kind = "RECORDING_UNSUPPORTED"
	KindRecordingFailed        Kind = "RECORDING_FAILED"
	KindTransportFailed        Kind = "TRANSPORT_FAILED"
	KindNotActive              Kind = "NOT_ACTIVE"
	KindInvalidInput           Kind = "INVALID_INPUT"
)

var defaultMessages = map[Kind]string{
	KindAppointmentNotFound:    "the appointment could not be found",
	KindAppointmentNotEligible: "this appointment is not scheduled as a remote consultation",
	KindAlreadyInProgress:      "a call is already in progress",
	KindPermissionDenied:       "access to the camera or microphone was denied; allow access in your system settings",
	KindDeviceNotFound:         "no camera or microphone was found",
	KindDeviceBusy:             "camera or microphone is in use by another application",
	KindAcquisitionFailed:      "the camera or microphone could not be started",
	KindRecoveryExhausted:      "the camera stopped working and could not be recovered automatically",
	KindScreenShareFailed:      "screen sharing could not be completed",
	KindRecordingUnsupported:   "recording is not supported with the current media format",
	KindRecordingFailed:        "the recording could not be saved",
	KindTransportFailed:        "the connection to the other participant could not be established",
	KindNotActive:              "no active call",
	KindInvalidInput:           "invalid input",
}

// Error is a classified engine failure.
type Error struct {
	Kind    Kind
	Message string
	// Warning marks a recoverable degradation; the session keeps running.
	Warning bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind with its default user-facing message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: Message(kind)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: Message(kind), Err: err}
}

// Warn is Wrap for recoverable degradations.
func Warn(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: Message(kind), Warning: true, Err: err}
}

// WithMessage replaces the user-facing message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Message returns the default user-facing text for kind.
func Message(kind Kind) string {
	if m, ok := defaultMessages[kind]; ok {
		return m
	}
	return string(kind)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsWarning reports whether err is a recoverable degradation.
func IsWarning(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Warning
	}
	return false
}

// UserMessage returns the text to show for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return "unexpected error"
}

// Sentinels for errors.Is.
var (
	ErrAppointmentNotFound    = New(KindAppointmentNotFound)
	ErrAppointmentNotEligible = New(KindAppointmentNotEligible)
	ErrAlreadyInProgress      = New(KindAlreadyInProgress)
	ErrPermissionDenied       = New(KindPermissionDenied)
	ErrDeviceNotFound         = New(KindDeviceNotFound)
	ErrDeviceBusy             = New(KindDeviceBusy)
	ErrAcquisitionFailed      = New(KindAcquisitionFailed)
	ErrRecoveryExhausted      = New(KindRecoveryExhausted)
	ErrScreenShareFailed      = New(KindScreenShareFailed)
	ErrRecordingUnsupported   = New(KindRecordingUnsupported)
	ErrRecordingFailed        = New(KindRecordingFailed)
	ErrTransportFailed        = New(KindTransportFailed)
	ErrNotActive              = New(KindNotActive)
	ErrInvalidInput           = New(KindInvalidInput)
)
