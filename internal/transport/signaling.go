package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Target    int                      `json:"target"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// SendOffer is the params of join and offer.
type SendOffer struct {
	SID   string                     `json:"sid"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

// SendAnswer is the params of answer.
type SendAnswer struct {
	SID    string                     `json:"sid"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

// message is one decoded inbound frame: a request or notification when Method is set,
// otherwise a response to one of our calls.
type message struct {
	Method string
	Params json.RawMessage
	ID     jsonrpc2.ID
	Result json.RawMessage
	Err    *jsonrpc2.Error
}

func decodeMessage(data []byte) (message, error) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if probe.Method != "" {
		var req jsonrpc2.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return message{}, fmt.Errorf("failed to unmarshal %s request: %w", probe.Method, err)
		}
		m := message{Method: req.Method, ID: req.ID}
		if req.Params != nil {
			m.Params = *req.Params
		}
		return m, nil
	}

	var resp jsonrpc2.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return message{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	m := message{ID: resp.ID, Err: resp.Error}
	if resp.Result != nil {
		m.Result = *resp.Result
	}
	return m, nil
}

// signalingConn is the JSON-RPC 2.0 over websocket link to the SFU.
type signalingConn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func dialSignaling(ctx context.Context, url string, header http.Header, maxElapsed time.Duration, logger *zap.Logger) (*signalingConn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed

	var ws *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("signaling rejected the connection: %s", resp.Status))
			}
			logger.Debug("Signaling dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		ws = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	return &signalingConn{ws: ws, logger: logger, done: make(chan struct{})}, nil
}

func (s *signalingConn) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("signaling connection closed")
	default:
	}
	return s.ws.WriteJSON(v)
}

// call sends a request and returns its id.
func (s *signalingConn) call(method string, params any) (jsonrpc2.ID, error) {
	id := jsonrpc2.ID{Num: uint64(uuid.New().ID())}
	raw, err := json.Marshal(params)
	if err != nil {
		return id, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	msg := json.RawMessage(raw)
	return id, s.write(&jsonrpc2.Request{Method: method, Params: &msg, ID: id})
}

// notify sends a request without an id.
func (s *signalingConn) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	msg := json.RawMessage(raw)
	return s.write(&jsonrpc2.Request{Method: method, Params: &msg, Notif: true})
}

// readLoop delivers inbound messages until the connection fails or is closed.
func (s *signalingConn) readLoop(handle func(message)) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("Signaling connection lost", zap.Error(err))
			}
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			s.logger.Warn("Dropping malformed signaling message", zap.Error(err))
			continue
		}
		handle(msg)
	}
}

func (s *signalingConn) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}
