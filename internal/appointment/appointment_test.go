package appointment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/televisit/internal/callerr"
)

func TestRemoteCapable(t *testing.T) {
	testCases := []struct {
		modality Modality
		want     bool
	}{
		{ModalityVideo, true},
		{ModalityAudio, true},
		{"VIDEO", true},
		{ModalityInPerson, false},
		{"", false},
	}
	for _, tc := range testCases {
		t.Run(string(tc.modality), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.modality.RemoteCapable())
		})
	}
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(Appointment{ID: "a1", Modality: ModalityVideo, PatientID: "p1", DoctorID: "d1"})

	a, err := d.Lookup(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "p1", a.PatientID)

	_, err = d.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, callerr.ErrAppointmentNotFound)

	d.Put(Appointment{ID: "a2", Modality: ModalityInPerson})
	a, err = d.Lookup(context.Background(), "a2")
	require.NoError(t, err)
	assert.False(t, a.Modality.RemoteCapable())
}
