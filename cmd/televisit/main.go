package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/api"
	"github.com/mikeyg42/televisit/internal/appointment"
	"github.com/mikeyg42/televisit/internal/artifact"
	"github.com/mikeyg42/televisit/internal/claim"
	"github.com/mikeyg42/televisit/internal/config"
	"github.com/mikeyg42/televisit/internal/database"
	"github.com/mikeyg42/televisit/internal/history"
	"github.com/mikeyg42/televisit/internal/logging"
	"github.com/mikeyg42/televisit/internal/platform"
	"github.com/mikeyg42/televisit/internal/session"
	"github.com/mikeyg42/televisit/internal/transport"
)

// Application struct that holds all components
type Application struct {
	config *config.Config
	logger *zap.Logger

	db     *sqlx.DB
	redis  *redis.Client
	engine *session.Engine
	server *api.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP address for the call API")
	flag.StringVar(&cfg.Transport.SignalingURL, "signaling", cfg.Transport.SignalingURL, "SFU signaling websocket URL")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	app.server.StartInBackground()
	logger.Info("Televisit ready",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("signaling_url", cfg.Transport.SignalingURL),
		zap.String("user_id", cfg.User.ID))

	<-ctx.Done()
	app.Shutdown()
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	capture, err := platform.NewCapture(platform.EncoderConfig{
		VideoBitRate:     cfg.Video.BitRate,
		KeyFrameInterval: cfg.Video.KeyFrameInterval,
		AudioBitRate:     cfg.Audio.BitRate,
	}, logger.Named("platform"))
	if err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}

	connector, err := transport.NewPionConnector(cfg.TransportConfig(), capture.API(), logger.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	var (
		appointments appointment.Directory
		calls        history.Store
	)
	if cfg.Postgres.DSN != "" {
		app.db, err = database.Open(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, err
		}
		appointments = appointment.NewPostgresDirectory(app.db)
		pg, err := history.NewPostgres(ctx, app.db)
		if err != nil {
			app.Cleanup()
			return nil, fmt.Errorf("failed to initialize call history: %w", err)
		}
		calls = pg
	} else {
		items, err := loadAppointments(cfg.AppointmentsFile)
		if err != nil {
			return nil, err
		}
		logger.Warn("No Postgres DSN configured; using static appointments and in-memory history",
			zap.Int("appointments", len(items)))
		appointments = appointment.NewStaticDirectory(items...)
		calls = history.NewMemory(10 * cfg.HistoryLimit)
	}

	var claims session.Claimer
	if cfg.Redis.Addr != "" {
		app.redis, err = claim.NewRedisClient(ctx, cfg.RedisOptions())
		if err != nil {
			app.Cleanup()
			return nil, err
		}
		claims = claim.NewRedis(app.redis, cfg.Redis.ClaimTTL, nil, logger.Named("appointment-claim"))
	}

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := artifacts.HealthCheck(ctx); err != nil {
		logger.Warn("Artifact store is not healthy; recordings stay on local disk until it recovers", zap.Error(err))
	}

	if cfg.User.ID == "" {
		logger.Warn("No signed-in user configured; calls will be rejected until TELEVISIT_USER_ID is set")
	}

	app.engine, err = session.New(cfg.SessionConfig(), session.Deps{
		Appointments: appointments,
		Identity:     session.StaticUser(cfg.SessionUser()),
		Capture:      capture,
		Transport:    connector,
		History:      calls,
		Claims:       claims,
		Logger:       logger.Named("session"),
	})
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create session engine: %w", err)
	}

	app.server, err = api.NewServer(api.Config{
		Addr:      cfg.HTTPAddr,
		URLExpiry: cfg.Storage.URLExpiry,
	}, api.Deps{
		Engine:    app.engine,
		Artifacts: artifacts,
		History:   calls,
		Logger:    logger.Named("api"),
	})
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	return app, nil
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Storage.Type {
	case "minio":
		return artifact.NewMinIOStore(ctx, cfg.MinIOConfig())
	default:
		baseURL := cfg.Storage.BaseURL
		if baseURL == "" {
			baseURL = "http://" + cfg.HTTPAddr + "/api"
		}
		return artifact.NewLocalStore(cfg.Storage.LocalDir, baseURL)
	}
}

// loadAppointments reads a JSON array of appointments. An empty path yields none.
func loadAppointments(path string) ([]appointment.Appointment, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read appointments file: %w", err)
	}
	var items []appointment.Appointment
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse appointments file %s: %w", path, err)
	}
	return items, nil
}

// Shutdown ends a running call, which flushes any recording, then stops the API.
func (app *Application) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer cancel()

	if final, err := app.engine.EndCall(ctx); err != nil {
		app.logger.Error("Failed to end call on shutdown", zap.Error(err))
	} else if final != nil {
		app.logger.Info("Call ended on shutdown", zap.String("session_id", final.ID))
	}
	if err := app.server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error("API server shutdown failed", zap.Error(err))
	}
}

func (app *Application) Cleanup() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
		app.redis = nil
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn("Failed to close database", zap.Error(err))
		}
		app.db = nil
	}
}

