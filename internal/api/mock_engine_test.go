package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/session"
)

type MockEngine struct {
	mock.Mock
}

func snapshot(args mock.Arguments, i int) *session.CallSession {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).(*session.CallSession)
}

func (m *MockEngine) Status() session.Status {
	args := m.Called()
	return args.Get(0).(session.Status)
}

func (m *MockEngine) Current() *session.CallSession {
	return snapshot(m.Called(), 0)
}

func (m *MockEngine) Last() *session.CallSession {
	return snapshot(m.Called(), 0)
}

func (m *MockEngine) StartCall(ctx context.Context, appointmentID string) (*session.CallSession, error) {
	args := m.Called(ctx, appointmentID)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) EndCall(ctx context.Context) (*session.CallSession, error) {
	args := m.Called(ctx)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) ToggleVideo(ctx context.Context) (*session.CallSession, error) {
	args := m.Called(ctx)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) ToggleAudio(ctx context.Context) (*session.CallSession, error) {
	args := m.Called(ctx)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) SendMessage(ctx context.Context, text string, kind chat.Kind, file *chat.FileRef) (chat.Message, error) {
	args := m.Called(ctx, text, kind, file)
	return args.Get(0).(chat.Message), args.Error(1)
}

func (m *MockEngine) Messages() ([]chat.Message, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]chat.Message), args.Error(1)
}

func (m *MockEngine) StartScreenShare(ctx context.Context) (*session.CallSession, error) {
	args := m.Called(ctx)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) StopScreenShare(ctx context.Context) (*session.CallSession, error) {
	args := m.Called(ctx)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) StartRecording(ctx context.Context) (*session.CallSession, error) {
	args := m.Called(ctx)
	return snapshot(args, 0), args.Error(1)
}

func (m *MockEngine) StopRecording(ctx context.Context) (*session.CallSession, *recording.Artifact, error) {
	args := m.Called(ctx)
	var art *recording.Artifact
	if args.Get(1) != nil {
		art = args.Get(1).(*recording.Artifact)
	}
	return snapshot(args, 0), art, args.Error(2)
}

func (m *MockEngine) CameraStatus() (monitor.Status, error) {
	args := m.Called()
	return args.Get(0).(monitor.Status), args.Error(1)
}

func (m *MockEngine) RestartCamera(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) RemoteStreams() (map[string]media.RemoteStream, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]media.RemoteStream), args.Error(1)
}

func (m *MockEngine) LocalTracks() ([]session.TrackInfo, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]session.TrackInfo), args.Error(1)
}
