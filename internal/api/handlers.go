package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/artifact"
	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/history"
	"github.com/mikeyg42/televisit/internal/metrics"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/session"
)

var errBadRequest = errors.New("could not parse JSON body")

type startCallRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type sendMessageRequest struct {
	Text string        `json:"text"`
	Kind chat.Kind     `json:"kind"`
	File *chat.FileRef `json:"file,omitempty"`
}

type recordingResponse struct {
	Session  *session.CallSession `json:"session"`
	Artifact *recording.Artifact  `json:"artifact,omitempty"`
	Stored   *artifact.Stored     `json:"stored,omitempty"`
	Warning  *ErrorResponse       `json:"warning,omitempty"`
}

type endCallResponse struct {
	Session *session.CallSession `json:"session"`
	Stored  []*artifact.Stored   `json:"stored,omitempty"`
	Warning *ErrorResponse       `json:"warning,omitempty"`
}

type restartResponse struct {
	Started bool           `json:"started"`
	Camera  monitor.Status `json:"camera"`
	Warning *ErrorResponse `json:"warning,omitempty"`
}

type remoteTrackResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type remoteStreamResponse struct {
	ParticipantID string                `json:"participant_id"`
	Tracks        []remoteTrackResponse `json:"tracks"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"call_status": string(s.deps.Engine.Status()),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Engine.Current()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, errorBody(callerr.New(callerr.KindNotActive)))
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Session: snap})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}

	snap, err := s.deps.Engine.StartCall(r.Context(), req.AppointmentID)
	if err != nil {
		s.requestLogger(r).Warn("Call start rejected",
			zap.String("appointment_id", req.AppointmentID),
			zap.String("code", string(callerr.KindOf(err))),
			zap.Error(err))
		writeError(w, err, snap)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Session: snap})
}

// handleEndCall ends the call and persists whatever the teardown flushed.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.EndCall(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}

	resp := endCallResponse{Session: snap}
	if snap != nil {
		for i := range snap.Artifacts {
			stored, perr := s.persist(r.Context(), snap.Artifacts[i])
			if perr != nil {
				resp.Warning = errorBody(perr)
				continue
			}
			if stored != nil {
				resp.Stored = append(resp.Stored, stored)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToggle(op func(context.Context) (*session.CallSession, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := op(r.Context())
		if err != nil {
			s.requestLogger(r).Debug("Call control returned an error", zap.Error(err))
		}
		writeCall(w, snap, err)
	}
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	snap, art, err := s.deps.Engine.StopRecording(r.Context())
	if err != nil && !callerr.IsWarning(err) {
		writeError(w, err, snap)
		return
	}

	resp := recordingResponse{Session: snap, Artifact: art}
	if err != nil {
		resp.Warning = errorBody(err)
	}
	if art != nil {
		stored, perr := s.persist(r.Context(), *art)
		if perr != nil {
			resp.Warning = errorBody(perr)
		}
		resp.Stored = stored
	}
	writeJSON(w, http.StatusOK, resp)
}

// persist uploads a finalized artifact once. A nil store keeps recordings on local disk only.
func (s *Server) persist(ctx context.Context, art recording.Artifact) (*artifact.Stored, error) {
	if s.deps.Artifacts == nil {
		return nil, nil
	}
	s.mu.Lock()
	if stored, ok := s.saved[art.ID]; ok {
		s.mu.Unlock()
		return stored, nil
	}
	s.mu.Unlock()

	stored, err := artifact.Save(ctx, s.deps.Artifacts, art, s.cfg.URLExpiry)
	if err != nil {
		metrics.ArtifactUploadsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Failed to persist recording",
			zap.String("artifact_id", art.ID),
			zap.String("path", art.Path),
			zap.Error(err))
		return nil, callerr.Warn(callerr.KindRecordingFailed, err).
			WithMessage("the recording was kept on this device but could not be uploaded")
	}
	metrics.ArtifactUploadsTotal.WithLabelValues("saved").Inc()

	s.mu.Lock()
	s.saved[art.ID] = stored
	s.mu.Unlock()
	s.logger.Info("Recording persisted", zap.String("artifact_id", art.ID), zap.String("key", stored.Key))
	return stored, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Engine.Messages()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	msg, err := s.deps.Engine.SendMessage(r.Context(), req.Text, req.Kind, req.File)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Engine.CameraStatus()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRestartCamera(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.Engine.RestartCamera(r.Context())
	if err != nil && !callerr.IsWarning(err) {
		writeError(w, err, nil)
		return
	}
	resp := restartResponse{Started: started}
	if err != nil {
		resp.Warning = errorBody(err)
	}
	if status, serr := s.deps.Engine.CameraStatus(); serr == nil {
		resp.Camera = status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLocalTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.deps.Engine.LocalTracks()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) handleRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := s.deps.Engine.RemoteStreams()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	out := make([]remoteStreamResponse, 0, len(remotes))
	for id, rs := range remotes {
		resp := remoteStreamResponse{ParticipantID: id, Tracks: make([]remoteTrackResponse, 0, len(rs.Tracks))}
		for _, t := range rs.Tracks {
			resp.Tracks = append(resp.Tracks, remoteTrackResponse{ID: t.ID(), Kind: t.Kind().String()})
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []session.CallSession{})
		return
	}
	limit := history.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, callerr.Wrap(callerr.KindInvalidInput, fmt.Errorf("invalid limit %q", raw)).
				WithMessage("limit must be a positive integer"), nil)
			return
		}
		limit = n
	}

	sessions, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		s.requestLogger(r).Error("Failed to list call history", zap.Error(err))
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		http.NotFound(w, r)
		return
	}
	sess, err := s.deps.History.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDownloadRecording streams a saved recording back from the artifact store.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(chi.URLParam(r, "*"), "/")
	if s.deps.Artifacts == nil || rest == "" || strings.Contains(rest, "..") {
		http.NotFound(w, r)
		return
	}
	key := "recordings/" + rest

	rc, err := s.deps.Artifacts.Get(r.Context(), key)
	if artifact.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.requestLogger(r).Error("Failed to read recording", zap.String("key", key), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "video/webm")
	if _, err := io.Copy(w, rc); err != nil {
		s.requestLogger(r).Debug("Recording download interrupted", zap.Error(err))
	}
}
