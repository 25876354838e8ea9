// Package config reads syncparty settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncparty/go/internal/room/channel"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/mcdev12/syncparty/go/internal/syncengine"
)

// Transport names a room channel implementation
type Transport string

const (
	TransportMemory    Transport = "memory"
	TransportNATS      Transport = "nats"
	TransportRedis     Transport = "redis"
	TransportWebSocket Transport = "websocket"
)

// Config holds settings for both binaries
type Config struct {
	RoomID        string
	ParticipantID string
	Transport     Transport

	GatewayURL string
	NATSURL    string
	RedisAddr  string

	SuppressWindow    time.Duration
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration

	GatewayPort    string
	GatewayBackend Transport

	LogLevel zerolog.Level
}

// Load reads .env if present, then the environment
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	return NewConfigFromEnv()
}

// NewConfigFromEnv reads the environment, falling back to defaults for unset or
// unparsable values
func NewConfigFromEnv() Config {
	engine := syncengine.DefaultConfig()

	return Config{
		RoomID:            strings.ToUpper(strings.TrimSpace(os.Getenv("ROOM_ID"))),
		ParticipantID:     getEnv("PARTICIPANT_ID", uuid.NewString()),
		Transport:         Transport(strings.ToLower(getEnv("TRANSPORT", string(TransportWebSocket)))),
		GatewayURL:        getEnv("GATEWAY_URL", channel.DefaultWebSocketConfig().URL),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		SuppressWindow:    getEnvAsDuration("SUPPRESS_WINDOW", engine.SuppressWindow),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", engine.HeartbeatInterval),
		PresenceTTL:       getEnvAsDuration("PRESENCE_TTL", channel.DefaultNATSConfig().PresenceTTL),
		GatewayPort:       getEnv("GATEWAY_PORT", "8081"),
		GatewayBackend:    Transport(strings.ToLower(getEnv("GATEWAY_BACKEND", string(TransportMemory)))),
		LogLevel:          getEnvAsLevel("LOG_LEVEL", zerolog.InfoLevel),
	}
}

// Validate checks settings shared by both binaries
func (c Config) Validate() error {
	var errs []error
	if c.SuppressWindow <= 0 {
		errs = append(errs, fmt.Errorf("SUPPRESS_WINDOW must be positive, got %s", c.SuppressWindow))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_TTL must be positive, got %s", c.PresenceTTL))
	}
	switch c.Transport {
	case TransportMemory, TransportNATS, TransportRedis, TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("unknown TRANSPORT %q", c.Transport))
	}
	switch c.GatewayBackend {
	case TransportMemory, TransportNATS, TransportRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY_BACKEND %q", c.GatewayBackend))
	}
	return errors.Join(errs...)
}

// ValidateSession additionally checks what a session needs
func (c Config) ValidateSession() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ParticipantID == "" {
		return errors.New("PARTICIPANT_ID must not be empty")
	}
	return events.ValidateRoomID(c.RoomID)
}

// EngineConfig returns the sync engine settings
func (c Config) EngineConfig() syncengine.Config {
	return syncengine.Config{
		ParticipantID:     c.ParticipantID,
		SuppressWindow:    c.SuppressWindow,
		HeartbeatInterval: c.HeartbeatInterval,
	}
}

// NATSConfig returns the NATS transport settings
func (c Config) NATSConfig() channel.NATSConfig {
	cfg := channel.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	cfg.PresenceTTL = c.PresenceTTL
	return cfg
}

// RedisConfig returns the Redis transport settings
func (c Config) RedisConfig() channel.RedisConfig {
	cfg := channel.DefaultRedisConfig()
	cfg.Addr = c.RedisAddr
	cfg.PresenceTTL = c.PresenceTTL
	return cfg
}

// WebSocketConfig returns the gateway client settings
func (c Config) WebSocketConfig() channel.WebSocketConfig {
	cfg := channel.DefaultWebSocketConfig()
	cfg.URL = c.GatewayURL
	cfg.ParticipantID = c.ParticipantID
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

func getEnvAsLevel(key string, defaultValue zerolog.Level) zerolog.Level {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("value", value).Msg("invalid log level, using default")
		return defaultValue
	}
	return level
}

// SetupLogging points the global logger at the console at the configured level
func SetupLogging(level zerolog.Level) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(level)
}
