package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/televisit/internal/callerr"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/session"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func ended(id string, startOffset time.Duration) session.CallSession {
	start := base.Add(startOffset)
	end := start.Add(20 * time.Minute)
	return session.CallSession{
		ID:            id,
		AppointmentID: "appt-" + id,
		PatientID:     "pat-1",
		DoctorID:      "doc-1",
		Status:        session.StatusEnded,
		StartedAt:     start,
		EndedAt:       &end,
		Participants:  []session.Participant{{ID: "doc-1", DisplayName: "Dr. Reyes", Role: session.RoleDoctor}},
		Chat: []chat.Message{
			{ID: "m1", Seq: 1, SenderID: chat.SystemSender, Text: "Call started", Kind: chat.KindSystem, Timestamp: start},
			{ID: "m2", Seq: 2, SenderID: chat.SystemSender, Text: "Call ended", Kind: chat.KindSystem, Timestamp: end},
		},
	}
}

func TestMemoryListNewestFirst(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	require.NoError(t, m.Append(ctx, ended("a", 0)))
	require.NoError(t, m.Append(ctx, ended("c", 2*time.Hour)))
	require.NoError(t, m.Append(ctx, ended("b", time.Hour)))

	list, err := m.List(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	list, err = m.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryBoundedAndCopied(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	s := ended("a", 0)
	require.NoError(t, m.Append(ctx, s))
	s.Chat[0].Text = "mutated"

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Call started", got.Chat[0].Text, "history keeps its own copy")

	require.NoError(t, m.Append(ctx, ended("b", time.Hour)))
	require.NoError(t, m.Append(ctx, ended("c", 2*time.Hour)))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRowRejectsLiveSession(t *testing.T) {
	s := ended("a", 0)
	s.Status = session.StatusActive
	s.EndedAt = nil
	_, err := toRow(s)
	assert.Error(t, err)
}

func TestRowPreservesFailureAndArtifacts(t *testing.T) {
	s := ended("a", 0)
	s.Status = session.StatusFailed
	s.Failure = &session.Failure{Code: callerr.KindDeviceBusy, Message: callerr.Message(callerr.KindDeviceBusy)}
	s.Artifacts = []recording.Artifact{
		{ID: "r1", SessionID: "a", Size: 10},
		{ID: "r2", SessionID: "a", Size: 20},
	}

	r, err := toRow(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, []string(r.ParticipantIDs))
	assert.Equal(t, float64(20*60), r.DurationSeconds)
	assert.JSONEq(t, "[]", string(r.Degradations), "empty lists stay JSON arrays")

	got, err := r.session()
	require.NoError(t, err)
	assert.Equal(t, s.Failure, got.Failure)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "r2", got.Artifact.ID, "the latest artifact is exposed")
	assert.Equal(t, s.Chat[1].Text, got.Chat[1].Text)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(r.Chat, &raw))
	assert.Equal(t, "system", raw[0]["kind"])
}
