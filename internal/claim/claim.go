// Package claim reserves an appointment for one call session across processes using Redis.
package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
)

const DefaultTTL = 2 * time.Minute

// Key is the Redis key guarding an appointment.
func Key(appointmentID string) string {
	return fmt.Sprintf("call:appointment:%s", appointmentID)
}

type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 1,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// backend holds a token under a key for a ttl. Only the holder of the token may
// refresh or delete the key.
type backend interface {
	acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

type redisBackend struct {
	client *redis.Client
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

var releaseScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (b redisBackend) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, token, ttl).Result()
}

func (b redisBackend) refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, b.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (b redisBackend) release(ctx context.Context, key, token string) error {
	_, err := releaseScript.Run(ctx, b.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Redis claims appointments with SET NX and keeps the claim alive while the session runs.
type Redis struct {
	backend backend
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *Redis {
	return newClaimer(redisBackend{client: client}, ttl, clock, logger)
}

func newClaimer(b backend, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.L().Named("appointment-claim")
	}
	return &Redis{backend: b, ttl: ttl, clock: clock, logger: logger}
}

// Claim reserves appointmentID for sessionID. A claim held by anyone else is
// AlreadyInProgress. The returned release is safe to call more than once.
func (r *Redis) Claim(ctx context.Context, appointmentID, sessionID string) (func(context.Context) error, error) {
	key := Key(appointmentID)
	token := sessionID + ":" + uuid.NewString()

	ok, err := r.backend.acquire(ctx, key, token, r.ttl)
	if err != nil {
		return nil, callerr.Wrap(callerr.KindTransportFailed, fmt.Errorf("acquire appointment claim: %w", err)).
			WithMessage("the appointment could not be reserved; try again")
	}
	if !ok {
		return nil, callerr.Wrap(callerr.KindAlreadyInProgress,
			fmt.Errorf("appointment %s is claimed by another session", appointmentID))
	}

	logger := r.logger.With(zap.String("appointment_id", appointmentID), zap.String("session_id", sessionID))
	logger.Debug("Appointment claimed")

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done, logger)

	var once sync.Once
	var releaseErr error
	release := func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
			if err := r.backend.release(ctx, key, token); err != nil {
				releaseErr = fmt.Errorf("release appointment claim: %w", err)
				return
			}
			logger.Debug("Appointment claim released")
		})
		return releaseErr
	}
	return release, nil
}

func (r *Redis) keepAlive(key, token string, stop, done chan struct{}, logger *zap.Logger) {
	defer close(done)
	ticker := r.clock.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			ok, err := r.backend.refresh(ctx, key, token, r.ttl)
			cancel()
			if err != nil {
				logger.Warn("Failed to refresh appointment claim", zap.Error(err))
				continue
			}
			if !ok {
				logger.Warn("Appointment claim lost")
				return
			}
		}
	}
}
