// Package config provides Viper-based configuration loading for the chat server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WebsocketConfig holds websocket acceptor settings.
type WebsocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the URL path upgraded to a websocket.
	Path string `mapstructure:"path"`
	// ReadTimeout bounds the wait for the next frame or pong.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is how often a keepalive ping is sent. Must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxMessageBytes caps the size of one inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// AllowedOrigins lists accepted Origin headers. Empty allows same-origin only; "*" allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebsocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// RateLimitConfig holds per-session chat message rate settings.
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained rate; 0 disables limiting.
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	// Burst is the number of messages allowed above the sustained rate.
	Burst int `mapstructure:"burst"`
}

// ChatConfig holds room and session policy.
type ChatConfig struct {
	// MaxRooms caps live rooms; 0 means unlimited.
	MaxRooms int `mapstructure:"max_rooms"`
	// MultiRoom lets a session belong to several rooms at once.
	MultiRoom bool `mapstructure:"multi_room"`
	// EchoSelf delivers a sender's own messages back to it.
	EchoSelf bool `mapstructure:"echo_self"`
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
	// EmptyRoomTTL is how long a never-joined room survives.
	EmptyRoomTTL time.Duration `mapstructure:"empty_room_ttl"`
	// ReapInterval is how often idle rooms are swept.
	ReapInterval time.Duration   `mapstructure:"reap_interval"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	// FilterScript is an optional Lua message filter path.
	FilterScript string `mapstructure:"filter_script"`
	// FilterInstructionLimit caps opcodes per filter call; 0 uses the scripting default.
	FilterInstructionLimit int `mapstructure:"filter_instruction_limit"`
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateWebsocket(c.Websocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChat(c.Chat); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebsocket(w WebsocketConfig) error {
	var errs []string
	if w.Port < 0 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.ReadTimeout <= 0 {
		errs = append(errs, "websocket.read_timeout must be positive")
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PingInterval <= 0 {
		errs = append(errs, "websocket.ping_interval must be positive")
	} else if w.PingInterval >= w.ReadTimeout {
		errs = append(errs, "websocket.ping_interval must be shorter than websocket.read_timeout")
	}
	if w.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 1, got %d", w.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.MaxRooms < 0 {
		errs = append(errs, fmt.Sprintf("chat.max_rooms must be >= 0, got %d", c.MaxRooms))
	}
	if c.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("chat.send_buffer must be >= 1, got %d", c.SendBuffer))
	}
	if c.EmptyRoomTTL <= 0 {
		errs = append(errs, "chat.empty_room_ttl must be positive")
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, "chat.reap_interval must be positive")
	}
	if c.RateLimit.MessagesPerSecond < 0 {
		errs = append(errs, "chat.rate_limit.messages_per_second must not be negative")
	}
	if c.RateLimit.MessagesPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Sprintf("chat.rate_limit.burst must be >= 1 when limiting, got %d", c.RateLimit.Burst))
	}
	if c.FilterInstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("chat.filter_instruction_limit must be >= 0, got %d", c.FilterInstructionLimit))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if a.GRPCPort < 0 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 0-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ROOMCHAT_ prefix
	v.SetEnvPrefix("ROOMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the built-in defaults.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "50s")
	v.SetDefault("websocket.max_message_bytes", 16384)
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("chat.max_rooms", 1000)
	v.SetDefault("chat.multi_room", false)
	v.SetDefault("chat.echo_self", false)
	v.SetDefault("chat.send_buffer", 64)
	v.SetDefault("chat.empty_room_ttl", "5m")
	v.SetDefault("chat.reap_interval", "1m")
	v.SetDefault("chat.rate_limit.messages_per_second", 5.0)
	v.SetDefault("chat.rate_limit.burst", 10)
	v.SetDefault("chat.filter_script", "")
	v.SetDefault("chat.filter_instruction_limit", 0)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50061)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
