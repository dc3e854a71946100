// Package api provides the HTTP API the call UI drives the engine through
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/artifact"
	"github.com/mikeyg42/televisit/internal/chat"
	"github.com/mikeyg42/televisit/internal/history"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/session"
)

// Engine is the call session engine as seen by the HTTP layer.
type Engine interface {
	Status() session.Status
	Current() *session.CallSession
	Last() *session.CallSession
	StartCall(ctx context.Context, appointmentID string) (*session.CallSession, error)
	EndCall(ctx context.Context) (*session.CallSession, error)
	ToggleVideo(ctx context.Context) (*session.CallSession, error)
	ToggleAudio(ctx context.Context) (*session.CallSession, error)
	SendMessage(ctx context.Context, text string, kind chat.Kind, file *chat.FileRef) (chat.Message, error)
	Messages() ([]chat.Message, error)
	StartScreenShare(ctx context.Context) (*session.CallSession, error)
	StopScreenShare(ctx context.Context) (*session.CallSession, error)
	StartRecording(ctx context.Context) (*session.CallSession, error)
	StopRecording(ctx context.Context) (*session.CallSession, *recording.Artifact, error)
	CameraStatus() (monitor.Status, error)
	RestartCamera(ctx context.Context) (bool, error)
	RemoteStreams() (map[string]media.RemoteStream, error)
	LocalTracks() ([]session.TrackInfo, error)
}

type Config struct {
	Addr           string
	AllowedOrigins []string
	// URLExpiry bounds the download links handed out for saved recordings.
	URLExpiry time.Duration
	// MessageRate limits chat posts and call starts per client per minute.
	MessageRate int
}

// Deps are the collaborators of the server. Artifacts and History are optional.
type Deps struct {
	Engine    Engine
	Artifacts artifact.Store
	History   history.Store
	Logger    *zap.Logger
}

// Server is an HTTP API server
type Server struct {
	cfg        Config
	deps       Deps
	logger     *zap.Logger
	httpServer *http.Server

	mu    sync.Mutex
	saved map[string]*artifact.Stored // by recording artifact id
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.L().Named("api")
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 24 * time.Hour
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 60
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{
			"http://localhost:8080",
			"http://localhost:3000",
			"http://127.0.0.1:8080",
			"http://127.0.0.1:3000",
		}
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		saved:  make(map[string]*artifact.Stored),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Ending a call waits for recording finalization and teardown.
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	limiter := NewRateLimiter(s.cfg.MessageRate, time.Minute)

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/call", func(r chi.Router) {
		r.Get("/", s.handleGetCall)
		r.With(limiter.Middleware).Post("/start", s.handleStartCall)
		r.Post("/end", s.handleEndCall)

		r.Post("/video/toggle", s.handleToggle(s.deps.Engine.ToggleVideo))
		r.Post("/audio/toggle", s.handleToggle(s.deps.Engine.ToggleAudio))
		r.Get("/tracks", s.handleLocalTracks)
		r.Get("/remotes", s.handleRemotes)

		r.Post("/screenshare/start", s.handleToggle(s.deps.Engine.StartScreenShare))
		r.Post("/screenshare/stop", s.handleToggle(s.deps.Engine.StopScreenShare))

		r.Post("/recording/start", s.handleToggle(s.deps.Engine.StartRecording))
		r.Post("/recording/stop", s.handleStopRecording)

		r.Get("/messages", s.handleListMessages)
		r.With(limiter.Middleware).Post("/messages", s.handleSendMessage)

		r.Get("/camera", s.handleCameraStatus)
		r.Post("/camera/restart", s.handleRestartCamera)
	})

	r.Get("/api/history", s.handleListHistory)
	r.Get("/api/history/{id}", s.handleGetHistory)
	r.Get("/api/recordings/*", s.handleDownloadRecording)

	return r
}

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
