// Package config loads process settings for the matcher and gateway
// binaries from PARTY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/whisper/party-app/internal/matching"
	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/ws"
)

// Prefix is prepended to every environment variable name.
const Prefix = "party"

// Common holds settings shared by both binaries.
type Common struct {
	LogLevel  string `split_words:"true" default:"info"`
	RedisAddr string `split_words:"true" default:"localhost:6379"`
	NATSURL   string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
}

// NATS returns the messaging settings for a client named name.
func (c Common) NATS(name string) messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	cfg.Name = name
	return cfg
}

// Matcher configures cmd/matcher.
type Matcher struct {
	Common

	MetricsAddr string `split_words:"true" default:":9100"`

	// Activities maps activity id to display name, e.g.
	// PARTY_ACTIVITIES=trial-a:Trial of A,trial-b:Trial of B
	Activities map[string]string `default:"trial-a:Trial-A,trial-b:Trial-B"`

	SweepInterval     time.Duration `split_words:"true" default:"5s"`
	MaxQueueWait      time.Duration `split_words:"true" default:"300s"`
	AcceptTimeout     time.Duration `split_words:"true" default:"30s"`
	FlexibleRoleTime  time.Duration `split_words:"true" default:"60s"`
	ExpandedLevelTime time.Duration `split_words:"true" default:"120s"`
	LevelRange        int           `split_words:"true" default:"3"`
	ExpandedRange     int           `split_words:"true" default:"5"`

	ProfileTTL time.Duration `envconfig:"PROFILE_TTL" default:"5m"`
}

// Tuning returns the coordinator tuning described by m.
func (m Matcher) Tuning() matching.Tuning {
	return matching.Tuning{
		SweepInterval:     m.SweepInterval,
		MaxQueueWait:      m.MaxQueueWait,
		AcceptTimeout:     m.AcceptTimeout,
		FlexibleRoleTime:  m.FlexibleRoleTime,
		ExpandedLevelTime: m.ExpandedLevelTime,
		LevelRange:        m.LevelRange,
		ExpandedRange:     m.ExpandedRange,
	}
}

// Validate reports settings the coordinator cannot run with.
func (m Matcher) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"sweep interval":      m.SweepInterval,
		"max queue wait":      m.MaxQueueWait,
		"accept timeout":      m.AcceptTimeout,
		"flexible role time":  m.FlexibleRoleTime,
		"expanded level time": m.ExpandedLevelTime,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if m.LevelRange < 0 {
		errs = append(errs, fmt.Errorf("level range must not be negative, got %d", m.LevelRange))
	}
	if m.ExpandedRange < m.LevelRange {
		errs = append(errs, fmt.Errorf("expanded range %d is below level range %d", m.ExpandedRange, m.LevelRange))
	}
	if len(m.Activities) == 0 {
		errs = append(errs, errors.New("no activities configured"))
	}
	for id, name := range m.Activities {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("activity %q has an empty id or name", id+":"+name))
		}
	}
	return errors.Join(errs...)
}

// LoadMatcher reads matcher settings from the environment.
func LoadMatcher() (*Matcher, error) {
	cfg := &Matcher{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matcher config: %w", err)
	}
	return cfg, nil
}

// Gateway configures cmd/gateway.
type Gateway struct {
	Common

	ListenAddr     string        `split_words:"true" default:":8080"`
	ServerName     string        `split_words:"true"`
	WorkerPoolSize int           `split_words:"true" default:"256"`
	MaxConnections int           `split_words:"true" default:"100000"`
	ReadTimeout    time.Duration `split_words:"true" default:"10s"`
	WriteTimeout   time.Duration `split_words:"true" default:"10s"`

	// ConnectLimit is the WebSocket connections allowed per client IP per
	// minute. Zero disables the limit.
	ConnectLimit int `split_words:"true" default:"5"`

	HeartbeatInterval time.Duration `split_words:"true" default:"30s"`
	HeartbeatTimeout  time.Duration `split_words:"true" default:"10s"`
}

// Server returns the WebSocket server settings described by g.
func (g Gateway) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     g.ListenAddr,
		WorkerPoolSize: g.WorkerPoolSize,
		MaxConnections: g.MaxConnections,
		ReadTimeout:    g.ReadTimeout,
		WriteTimeout:   g.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: g.HeartbeatInterval,
			Timeout:  g.HeartbeatTimeout,
		},
	}
}

// LoadGateway reads gateway settings from the environment. ServerName
// defaults to the hostname.
func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "gateway-1"
	}
	if cfg.WorkerPoolSize <= 0 || cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf(
			"invalid gateway config: worker pool %d and max connections %d must be positive",
			cfg.WorkerPoolSize, cfg.MaxConnections,
		)
	}
	return cfg, nil
}
