// Package appointment resolves appointments for the call engine.
package appointment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mikeyg42/televisit/internal/callerr"
)

type Modality string

const (
	ModalityVideo    Modality = "video"
	ModalityAudio    Modality = "audio"
	ModalityInPerson Modality = "in_person"
)

// RemoteCapable reports whether a call can be held for this modality.
func (m Modality) RemoteCapable() bool {
	switch Modality(strings.ToLower(string(m))) {
	case ModalityVideo, ModalityAudio:
		return true
	}
	return false
}

type Appointment struct {
	ID          string    `db:"id" json:"id"`
	Modality    Modality  `db:"modality" json:"modality"`
	PatientID   string    `db:"patient_id" json:"patient_id"`
	DoctorID    string    `db:"doctor_id" json:"doctor_id"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduled_at"`
}

// Directory looks appointments up by id. A missing appointment is callerr.ErrAppointmentNotFound.
type Directory interface {
	Lookup(ctx context.Context, id string) (Appointment, error)
}

// PostgresDirectory reads the appointments table owned by the scheduling service.
type PostgresDirectory struct {
	db *sqlx.DB
}

func NewPostgresDirectory(db *sqlx.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (Appointment, error) {
	var a Appointment
	err := d.db.GetContext(ctx, &a, `
		SELECT id, modality, patient_id, doctor_id, scheduled_at
		FROM appointments
		WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, callerr.Wrap(callerr.KindAppointmentNotFound, fmt.Errorf("appointment %s", id))
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("failed to look up appointment %s: %w", id, err)
	}
	return a, nil
}

// StaticDirectory serves a fixed set of appointments.
type StaticDirectory struct {
	mu    sync.RWMutex
	items map[string]Appointment
}

func NewStaticDirectory(items ...Appointment) *StaticDirectory {
	d := &StaticDirectory{items: make(map[string]Appointment, len(items))}
	for _, a := range items {
		d.items[a.ID] = a
	}
	return d
}

// Put adds or replaces an appointment.
func (d *StaticDirectory) Put(a Appointment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[a.ID] = a
}

func (d *StaticDirectory) Lookup(ctx context.Context, id string) (Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.items[id]
	if !ok {
		return Appointment{}, callerr.Wrap(callerr.KindAppointmentNotFound, fmt.Errorf("appointment %s", id))
	}
	return a, nil
}
