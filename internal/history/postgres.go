package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/session"
)

var ErrNotFound = errors.New("call session not found in history")

// Postgres stores history in the call_sessions table. Participants, chat, artifacts and
// degradations are kept as JSONB.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres creates the schema if needed.
func NewPostgres(ctx context.Context, db *sqlx.DB) (*Postgres, error) {
	p := &Postgres{
		db:     db,
		logger: zap.L().Named("call-history"),
	}
	if err := p.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_sessions (
		id VARCHAR(64) PRIMARY KEY,
		appointment_id VARCHAR(255) NOT NULL,
		patient_id VARCHAR(255) NOT NULL,
		doctor_id VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('ended', 'failed')),

		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		duration_seconds FLOAT NOT NULL DEFAULT 0,

		participant_ids TEXT[] DEFAULT '{}',
		participants JSONB NOT NULL DEFAULT '[]',
		chat JSONB NOT NULL DEFAULT '[]',
		artifacts JSONB NOT NULL DEFAULT '[]',
		degradations JSONB NOT NULL DEFAULT '[]',

		failure_code VARCHAR(64),
		failure_message TEXT,

		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_call_sessions_started_at ON call_sessions(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_appointment_id ON call_sessions(appointment_id);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_participant_ids ON call_sessions USING GIN(participant_ids);
	`
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

type row struct {
	ID              string         `db:"id"`
	AppointmentID   string         `db:"appointment_id"`
	PatientID       string         `db:"patient_id"`
	DoctorID        string         `db:"doctor_id"`
	Status          string         `db:"status"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         time.Time      `db:"ended_at"`
	DurationSeconds float64        `db:"duration_seconds"`
	ParticipantIDs  pq.StringArray `db:"participant_ids"`
	Participants    []byte         `db:"participants"`
	Chat            []byte         `db:"chat"`
	Artifacts       []byte         `db:"artifacts"`
	Degradations    []byte         `db:"degradations"`
	FailureCode     sql.NullString `db:"failure_code"`
	FailureMessage  sql.NullString `db:"failure_message"`
}

func toRow(s session.CallSession) (row, error) {
	if !s.Status.Terminal() || s.EndedAt == nil {
		return row{}, fmt.Errorf("session %s is %s, only terminal sessions enter history", s.ID, s.Status)
	}
	r := row{
		ID:              s.ID,
		AppointmentID:   s.AppointmentID,
		PatientID:       s.PatientID,
		DoctorID:        s.DoctorID,
		Status:          string(s.Status),
		StartedAt:       s.StartedAt,
		EndedAt:         *s.EndedAt,
		DurationSeconds: s.Duration().Seconds(),
	}
	for _, p := range s.Participants {
		r.ParticipantIDs = append(r.ParticipantIDs, p.ID)
	}

	var err error
	if r.Participants, err = marshalList(s.Participants); err != nil {
		return row{}, fmt.Errorf("failed to marshal participants: %w", err)
	}
	if r.Chat, err = marshalList(s.Chat); err != nil {
		return row{}, fmt.Errorf("failed to marshal chat: %w", err)
	}
	if r.Artifacts, err = marshalList(s.Artifacts); err != nil {
		return row{}, fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	if r.Degradations, err = marshalList(s.Degradations); err != nil {
		return row{}, fmt.Errorf("failed to marshal degradations: %w", err)
	}
	if s.Failure != nil {
		r.FailureCode = sql.NullString{String: string(s.Failure.Code), Valid: true}
		r.FailureMessage = sql.NullString{String: s.Failure.Message, Valid: true}
	}
	return r, nil
}

// marshalList encodes a nil slice as [] so the NOT NULL JSONB columns stay arrays.
func marshalList[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	return json.Marshal(v)
}

func (r row) session() (*session.CallSession, error) {
	ended := r.EndedAt
	s := &session.CallSession{
		ID:            r.ID,
		AppointmentID: r.AppointmentID,
		PatientID:     r.PatientID,
		DoctorID:      r.DoctorID,
		Status:        session.Status(r.Status),
		StartedAt:     r.StartedAt,
		EndedAt:       &ended,
	}
	var (
		participants []session.Participant
		messages     []chat.Message
		artifacts    []recording.Artifact
		degradations []session.Degradation
	)
	for _, f := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"participants", r.Participants, &participants},
		{"chat", r.Chat, &messages},
		{"artifacts", r.Artifacts, &artifacts},
		{"degradations", r.Degradations, &degradations},
	} {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", f.name, err)
		}
	}
	s.Participants = participants
	s.Chat = messages
	s.Artifacts = artifacts
	if n := len(artifacts); n > 0 {
		latest := artifacts[n-1]
		s.Artifact = &latest
	}
	if len(degradations) > 0 {
		s.Degradations = degradations
	}
	if r.FailureCode.Valid {
		s.Failure = &session.Failure{
			Code:    callerr.Kind(r.FailureCode.String),
			Message: r.FailureMessage.String,
		}
	}
	return s, nil
}

// Append inserts s. Appending the same session twice keeps the first record.
func (p *Postgres) Append(ctx context.Context, s session.CallSession) error {
	r, err := toRow(s)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO call_sessions (
			id, appointment_id, patient_id, doctor_id, status,
			started_at, ended_at, duration_seconds,
			participant_ids, participants, chat, artifacts, degradations,
			failure_code, failure_message
		) VALUES (
			:id, :appointment_id, :patient_id, :doctor_id, :status,
			:started_at, :ended_at, :duration_seconds,
			:participant_ids, :participants, :chat, :artifacts, :degradations,
			:failure_code, :failure_message
		)
		ON CONFLICT (id) DO NOTHING`, r)
	if err != nil {
		return fmt.Errorf("failed to save call session %s: %w", s.ID, err)
	}
	p.logger.Info("Call session saved",
		zap.String("session_id", s.ID),
		zap.String("status", string(s.Status)))
	return nil
}

const selectColumns = `
	id, appointment_id, patient_id, doctor_id, status,
	started_at, ended_at, duration_seconds,
	participant_ids, participants, chat, artifacts, degradations,
	failure_code, failure_message`

// List returns the newest sessions first.
func (p *Postgres) List(ctx context.Context, limit int) ([]session.CallSession, error) {
	var rows []row
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM call_sessions ORDER BY started_at DESC LIMIT $1`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	out := make([]session.CallSession, 0, len(rows))
	for _, r := range rows {
		s, err := r.session()
		if err != nil {
			return nil, fmt.Errorf("call session %s: %w", r.ID, err)
		}
		out = append(out, *s)
	}
	return out, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*session.CallSession, error) {
	var r row
	err := p.db.GetContext(ctx, &r, `SELECT `+selectColumns+` FROM call_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call session %s: %w", id, err)
	}
	return r.session()
}

// HealthCheck pings the database.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
