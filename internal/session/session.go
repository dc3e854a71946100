// Package session implements the call session state machine and orchestrates the
// media store, camera monitor, screen share, recorder and chat log of one call.
package session

import (
	"time"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

type Role string

const (
	RoleDoctor    Role = "doctor"
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleAssistant:
		return true
	}
	return false
}

// User is the local identity a session is started for.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Participant flags mirror the enabled state of the local tracks.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Role         Role   `json:"role"`
	VideoEnabled bool   `json:"video_enabled"`
	AudioEnabled bool   `json:"audio_enabled"`
}

// Failure is the classified cause of a failed session.
type Failure struct {
	Code    callerr.Kind `json:"code"`
	Message string       `json:"message"`
}

// Degradation is a recoverable loss of capability on a running session.
type Degradation struct {
	Code    callerr.Kind `json:"code"`
	Message string       `json:"message"`
	Since   time.Time    `json:"since"`
}

// CallSession is a snapshot of one call. EndedAt is set exactly when Status is terminal.
type CallSession struct {
	ID            string               `json:"id"`
	AppointmentID string               `json:"appointment_id"`
	PatientID     string               `json:"patient_id"`
	DoctorID      string               `json:"doctor_id"`
	Status        Status               `json:"status"`
	StartedAt     time.Time            `json:"started_at"`
	EndedAt       *time.Time           `json:"ended_at,omitempty"`
	Participants  []Participant        `json:"participants"`
	Chat          []chat.Message       `json:"chat"`
	Recording     bool                 `json:"recording"`
	Artifact      *recording.Artifact  `json:"artifact,omitempty"`
	Artifacts     []recording.Artifact `json:"artifacts,omitempty"`
	ScreenSharing bool                 `json:"screen_sharing"`
	Camera        *monitor.Status      `json:"camera,omitempty"`
	Degradations  []Degradation        `json:"degradations,omitempty"`
	Failure       *Failure             `json:"failure,omitempty"`
}

// Clone returns a deep copy.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Chat = make([]chat.Message, len(s.Chat))
	for i, m := range s.Chat {
		if m.File != nil {
			f := *m.File
			m.File = &f
		}
		c.Chat[i] = m
	}
	if s.Artifact != nil {
		a := *s.Artifact
		c.Artifact = &a
	}
	c.Artifacts = append([]recording.Artifact(nil), s.Artifacts...)
	if s.Camera != nil {
		st := *s.Camera
		c.Camera = &st
	}
	c.Degradations = append([]Degradation(nil), s.Degradations...)
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	return &c
}

// Duration is the call length, or zero while the call runs.
func (s *CallSession) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Local returns the local participant.
func (s *CallSession) Local() Participant {
	if len(s.Participants) == 0 {
		return Participant{}
	}
	return s.Participants[0]
}
