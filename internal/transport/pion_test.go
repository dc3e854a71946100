package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/media"
)

type sampleSource struct {
	*webrtc.TrackLocalStaticSample
}

func (sampleSource) Close() error        { return nil }
func (sampleSource) OnEnded(func(error)) {}

func newSampleSource(t *testing.T) sampleSource {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "doc-1")
	require.NoError(t, err)
	return sampleSource{track}
}

type plainSource struct{}

func (plainSource) ID() string                { return "plain" }
func (plainSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }
func (plainSource) Close() error              { return nil }
func (plainSource) OnEnded(func(error))       {}

func TestDecodeMessage(t *testing.T) {
	testCases := []struct {
		name       string
		raw        string
		wantMethod string
		wantResult bool
		wantErr    bool
	}{
		{"offer notification", `{"jsonrpc":"2.0","method":"offer","params":{"type":"offer","sdp":"v=0"}}`, "offer", false, false},
		{"trickle notification", `{"jsonrpc":"2.0","method":"trickle","params":{"target":1,"candidate":{"candidate":"x"}}}`, "trickle", false, false},
		{"answer response", `{"jsonrpc":"2.0","id":7,"result":{"type":"answer","sdp":"v=0"}}`, "", true, false},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32000,"message":"room full"}}`, "", false, false},
		{"garbage", `not json`, "", false, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tc.raw))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantMethod, msg.Method)
			assert.Equal(t, tc.wantResult, len(msg.Result) > 0)
		})
	}

	msg, err := decodeMessage([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32000,"message":"room full"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Err)
	assert.Equal(t, "room full", msg.Err.Message)
	assert.Equal(t, jsonrpc2.ID{Num: 7}, msg.ID)
}

func TestNewPionConnectorRequiresURL(t *testing.T) {
	_, err := NewPionConnector(Config{}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestConnectRejectedBySignaling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewPionConnector(Config{SignalingURL: wsURL(srv), DialTimeout: 5 * time.Second}, nil, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Connect(context.Background(), "session-1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "a 4xx is not retried")
}

// fakeSFU answers the first join with a real pion answer.
type fakeSFU struct {
	t     *testing.T
	mu    sync.Mutex
	joins []SendOffer
	pcs   []*webrtc.PeerConnection
}

func (s *fakeSFU) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeMessage(data)
		if err != nil || msg.Method != "join" {
			continue
		}
		var join SendOffer
		if err := json.Unmarshal(msg.Params, &join); err != nil {
			continue
		}

		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.joins = append(s.joins, join)
		s.pcs = append(s.pcs, pc)
		s.mu.Unlock()

		if err := pc.SetRemoteDescription(*join.Offer); err != nil {
			continue
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			continue
		}
		_ = pc.SetLocalDescription(answer)
		raw, _ := json.Marshal(pc.LocalDescription())
		result := json.RawMessage(raw)
		_ = conn.WriteJSON(&jsonrpc2.Response{ID: msg.ID, Result: &result})
	}
}

func (s *fakeSFU) Joins() []SendOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendOffer(nil), s.joins...)
}

func (s *fakeSFU) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range s.pcs {
		_ = pc.Close()
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectJoinsAndNegotiates(t *testing.T) {
	sfu := &fakeSFU{t: t}
	srv := httptest.NewServer(sfu)
	defer srv.Close()
	defer sfu.Close()

	c, err := NewPionConnector(Config{SignalingURL: wsURL(srv)}, nil, zap.NewNop())
	require.NoError(t, err)

	peer, err := c.Connect(context.Background(), "session-1")
	require.NoError(t, err)
	defer peer.Close()

	sender, err := peer.AddTrack(newSampleSource(t))
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, sender.Kind())
	assert.Len(t, peer.Senders(), 1)

	require.Eventually(t, func() bool { return len(sfu.Joins()) == 1 }, 5*time.Second, 20*time.Millisecond)
	join := sfu.Joins()[0]
	assert.Equal(t, "session-1", join.SID)
	require.NotNil(t, join.Offer)
	assert.Equal(t, webrtc.SDPTypeOffer, join.Offer.Type)

	pc := peer.(*pionPeer).pc
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, webrtc.SDPTypeAnswer, pc.RemoteDescription().Type)

	assert.NoError(t, sender.ReplaceTrack(nil), "nil detaches without renegotiation")
	assert.ErrorIs(t, sender.ReplaceTrack(plainSource{}), errNotSendable)
	assert.NoError(t, peer.Close())
	assert.NoError(t, peer.Close(), "close is idempotent")
}

func TestAddTrackRejectsUnsendableSource(t *testing.T) {
	sfu := &fakeSFU{t: t}
	srv := httptest.NewServer(sfu)
	defer srv.Close()

	c, err := NewPionConnector(Config{SignalingURL: wsURL(srv)}, nil, zap.NewNop())
	require.NoError(t, err)
	peer, err := c.Connect(context.Background(), "session-2")
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.AddTrack(plainSource{})
	assert.ErrorIs(t, err, errNotSendable)
}

func TestRemoteEventsQueuedUntilHandlers(t *testing.T) {
	p := &pionPeer{logger: zap.NewNop()}
	track := fakeRemote{id: "v1"}
	p.emit(remoteEvent{participantID: "pat-1", track: track})
	p.emit(remoteEvent{participantID: "pat-1", track: track, ended: true})

	var got []string
	p.OnRemoteTrack(func(pid string, tr media.RemoteTrack) {
		got = append(got, "added:"+pid+":"+tr.ID())
	})
	p.OnRemoteTrackEnded(func(pid, tid string) {
		got = append(got, "ended:"+pid+":"+tid)
	})

	assert.Equal(t, []string{"added:pat-1:v1", "ended:pat-1:v1"}, got)
}

type fakeRemote struct{ id string }

func (f fakeRemote) ID() string                { return f.id }
func (f fakeRemote) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

func TestICEServers(t *testing.T) {
	cfg := Config{ICEServers: []string{"stun:stun.example.org:3478"}}
	servers, err := cfg.iceServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Empty(t, servers[0].Username)

	cfg.TURNURLs = []string{"turn:turn.example.org:3478?transport=udp"}
	servers, err = cfg.iceServers()
	require.NoError(t, err)
	assert.Len(t, servers, 1, "no secret, no TURN entry")

	cfg.TURNSecret = "s3cret"
	servers, err = cfg.iceServers()
	require.NoError(t, err)
	require.Len(t, servers, 2)
	turnServer := servers[1]
	assert.Equal(t, cfg.TURNURLs, turnServer.URLs)
	assert.NotEmpty(t, turnServer.Username)
	assert.NotEmpty(t, turnServer.Credential)
}
