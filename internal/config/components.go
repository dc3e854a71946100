// helpers mapping the main config onto the component-specific config types
package config

import (
	"time"

	"github.com/mikeyg42/televisit/internal/artifact"
	"github.com/mikeyg42/televisit/internal/claim"
	"github.com/mikeyg42/televisit/internal/database"
	"github.com/mikeyg42/televisit/internal/media"
	"github.com/mikeyg42/televisit/internal/monitor"
	"github.com/mikeyg42/televisit/internal/recording"
	"github.com/mikeyg42/televisit/internal/session"
	"github.com/mikeyg42/televisit/internal/transport"
)

// SessionConfig maps capture, monitor and recording settings for the engine.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.Capture = media.Constraints{
		Audio:        true,
		Video:        true,
		Width:        c.Video.Width,
		Height:       c.Video.Height,
		FrameRate:    float64(c.Video.FrameRate),
		SampleRate:   c.Audio.SampleRate,
		ChannelCount: c.Audio.ChannelCount,
	}
	sc.Display = media.Constraints{Video: true, FrameRate: float64(c.Video.ShareFrameRate)}
	sc.Monitor = c.MonitorConfig()
	sc.Recording = recording.Config{
		Dir:        c.Recording.Dir,
		Width:      c.Video.Width,
		Height:     c.Video.Height,
		FrameRate:  float64(c.Video.FrameRate),
		SampleRate: c.Audio.SampleRate,
		Channels:   c.Audio.ChannelCount,
	}
	return sc
}

func (c *Config) MonitorConfig() monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Interval = c.Monitor.Interval
	mc.Cooldown = c.Monitor.Cooldown
	mc.ResetWindow = c.Monitor.ResetWindow
	mc.MaxAttempts = c.Monitor.MaxAttempts
	return mc
}

// SessionUser is the signed-in local user.
func (c *Config) SessionUser() session.User {
	return session.User{
		ID:          c.User.ID,
		DisplayName: c.User.DisplayName,
		Role:        session.Role(c.User.Role),
	}
}

func (c *Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig()
	tc.SignalingURL = c.Transport.SignalingURL
	tc.ICEServers = c.Transport.ICEServers
	tc.TURNURLs = c.Transport.TURNURLs
	tc.TURNSecret = c.Transport.TURNSecret
	tc.DialTimeout = c.Transport.DialTimeout
	return tc
}

func (c *Config) MinIOConfig() artifact.MinIOConfig {
	return artifact.MinIOConfig{
		Endpoint:        c.Storage.MinIO.Endpoint,
		AccessKeyID:     c.Storage.MinIO.AccessKeyID,
		SecretAccessKey: c.Storage.MinIO.SecretAccessKey,
		UseSSL:          c.Storage.MinIO.UseSSL,
		Bucket:          c.Storage.MinIO.Bucket,
		Region:          c.Storage.MinIO.Region,
		MaxUploads:      2,
		ConnectTimeout:  10 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
	}
}

func (c *Config) PostgresConfig() database.PostgresConfig {
	return database.PostgresConfig{DSN: c.Postgres.DSN}
}

func (c *Config) RedisOptions() claim.Options {
	return claim.Options{
		Addr:     c.Redis.Addr,
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}
