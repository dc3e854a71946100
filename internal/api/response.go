package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/session"
)

// ErrorResponse is the body of every failed request and of the warning attached to a
// degraded but successful one.
type ErrorResponse struct {
	Code    callerr.Kind `json:"code"`
	Message string       `json:"message"`
	Warning bool         `json:"warning"`
	// Session is the failed session when a start was rejected after it began.
	Session *session.CallSession `json:"session,omitempty"`
}

type callResponse struct {
	Session *session.CallSession `json:"session"`
	Warning *ErrorResponse       `json:"warning,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(err error) *ErrorResponse {
	kind := callerr.KindOf(err)
	if kind == "" {
		return &ErrorResponse{Code: "INTERNAL", Message: "internal error"}
	}
	return &ErrorResponse{
		Code:    kind,
		Message: callerr.UserMessage(err),
		Warning: callerr.IsWarning(err),
	}
}

// statusFor maps a classified error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest
	}
	switch callerr.KindOf(err) {
	case callerr.KindAppointmentNotFound:
		return http.StatusNotFound
	case callerr.KindAlreadyInProgress, callerr.KindNotActive:
		return http.StatusConflict
	case callerr.KindAppointmentNotEligible, callerr.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case callerr.KindPermissionDenied:
		return http.StatusForbidden
	case callerr.KindDeviceBusy, callerr.KindDeviceNotFound, callerr.KindAcquisitionFailed,
		callerr.KindTransportFailed, callerr.KindRecoveryExhausted:
		return http.StatusServiceUnavailable
	case callerr.KindScreenShareFailed, callerr.KindRecordingUnsupported, callerr.KindRecordingFailed:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, snap *session.CallSession) {
	body := errorBody(err)
	if errors.Is(err, errBadRequest) {
		body = &ErrorResponse{Code: callerr.KindInvalidInput, Message: err.Error()}
	}
	body.Session = snap
	writeJSON(w, statusFor(err), body)
}

// writeCall answers with the snapshot, carrying a warning when err is a degradation.
func writeCall(w http.ResponseWriter, snap *session.CallSession, err error) {
	if err != nil && !callerr.IsWarning(err) {
		writeError(w, err, snap)
		return
	}
	resp := callResponse{Session: snap}
	if err != nil {
		resp.Warning = errorBody(err)
	}
	writeJSON(w, http.StatusOK, resp)
}
