// Package config loads the service configuration from an optional YAML file
// and DISPATCH_ prefixed environment variables. Nested keys use a double
// underscore: DISPATCH_MATCHING__MAX_RADIUS_METERS=8000.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DISPATCH_"

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	HTTP     HTTPConfig     `koanf:"http"`
	GRPC     GRPCConfig     `koanf:"grpc"`
	Auth     AuthConfig     `koanf:"auth"`
	Spatial  SpatialConfig  `koanf:"spatial"`
	Matching MatchingConfig `koanf:"matching"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	ETA      ETAConfig      `koanf:"eta"`
	Redis    RedisConfig    `koanf:"redis"`
	NATS     NATSConfig     `koanf:"nats"`
	Postgres PostgresConfig `koanf:"postgres"`
	MQTT     MQTTConfig     `koanf:"mqtt"`
	Gateway  GatewayConfig  `koanf:"gateway"`
}

type ServiceConfig struct {
	Name     string `koanf:"name"`
	LogLevel string `koanf:"log_level"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

// SpatialConfig selects the index backend: grid (in process) or redis.
type SpatialConfig struct {
	Backend     string  `koanf:"backend"`
	CellDegrees float64 `koanf:"cell_degrees"`
	RedisPrefix string  `koanf:"redis_prefix"`
}

// MatchingConfig tunes candidate search. Lease is none, memory or redis.
type MatchingConfig struct {
	CandidateLimit      int           `koanf:"candidate_limit"`
	InitialRadiusMeters float64       `koanf:"initial_radius_meters"`
	MaxRadiusMeters     float64       `koanf:"max_radius_meters"`
	MaxExpansions       int           `koanf:"max_expansions"`
	ClaimRetries        int           `koanf:"claim_retries"`
	Lease               string        `koanf:"lease"`
	LeaseTTL            time.Duration `koanf:"lease_ttl"`
}

type DispatchConfig struct {
	Workers        int           `koanf:"workers"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
	MatchGrace     time.Duration `koanf:"match_grace"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

type ETAConfig struct {
	PickupSpeedKPH float64 `koanf:"pickup_speed_kph"`
	TravelSpeedKPH float64 `koanf:"travel_speed_kph"`
	SearchRadiusM  float64 `koanf:"search_radius_m"`
}

// RedisConfig is optional; an empty Addr disables every Redis backed part.
type RedisConfig struct {
	Addr           string        `koanf:"addr"`
	Password       string        `koanf:"password"`
	DB             int           `koanf:"db"`
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
}

type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type PostgresConfig struct {
	DSN             string        `koanf:"dsn"`
	OutboxPoll      time.Duration `koanf:"outbox_poll"`
	OutboxBatchSize int           `koanf:"outbox_batch_size"`
	OutboxRetryMax  int           `koanf:"outbox_retry_max"`
}

type MQTTConfig struct {
	Broker   string `koanf:"broker"`
	ClientID string `koanf:"client_id"`
	Topic    string `koanf:"topic"`
	QoS      byte   `koanf:"qos"`
}

type GatewayConfig struct {
	Addr       string  `koanf:"addr"`
	Upstream   string  `koanf:"upstream"`
	ReadRPS    float64 `koanf:"read_rps"`
	ReadBurst  float64 `koanf:"read_burst"`
	WriteRPS   float64 `koanf:"write_rps"`
	WriteBurst float64 `koanf:"write_burst"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

// Default returns the configuration used for keys absent from every source.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "dispatch-service", LogLevel: "info"},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		GRPC:    GRPCConfig{Addr: ":9090"},
		Spatial: SpatialConfig{Backend: "grid", CellDegrees: 0.01, RedisPrefix: "dispatch:agents"},
		Matching: MatchingConfig{
			CandidateLimit:      5,
			InitialRadiusMeters: 1000,
			MaxRadiusMeters:     16000,
			MaxExpansions:       4,
			ClaimRetries:        3,
			Lease:               "none",
			LeaseTTL:            30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Workers:        4,
			MaxRetries:     5,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  30 * time.Second,
			MatchGrace:     2 * time.Minute,
			SweepInterval:  5 * time.Second,
		},
		ETA:      ETAConfig{PickupSpeedKPH: 30, TravelSpeedKPH: 35, SearchRadiusM: 10000},
		Redis:    RedisConfig{IdempotencyTTL: 24 * time.Hour},
		NATS:     NATSConfig{SubjectPrefix: "dispatch"},
		Postgres: PostgresConfig{OutboxPoll: 200 * time.Millisecond, OutboxBatchSize: 100, OutboxRetryMax: 3},
		MQTT:     MQTTConfig{ClientID: "dispatch-service", Topic: "agents/+/position", QoS: 1},
		Gateway: GatewayConfig{
			Addr:       ":8088",
			Upstream:   "http://localhost:8080",
			ReadRPS:    50,
			ReadBurst:  100,
			WriteRPS:   10,
			WriteBurst: 20,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides on top
// of Default and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Spatial.Backend {
	case "grid":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("spatial.backend redis needs redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("spatial.backend %q is not grid or redis", c.Spatial.Backend))
	}
	switch c.Matching.Lease {
	case "none", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("matching.lease redis needs redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("matching.lease %q is not none, memory or redis", c.Matching.Lease))
	}
	if c.Matching.InitialRadiusMeters <= 0 || c.Matching.MaxRadiusMeters < c.Matching.InitialRadiusMeters {
		errs = append(errs, errors.New("matching radii must satisfy 0 < initial_radius_meters <= max_radius_meters"))
	}
	if c.Matching.MaxExpansions < 0 || c.Matching.MaxExpansions > 4 {
		errs = append(errs, fmt.Errorf("matching.max_expansions %d is outside 0..4", c.Matching.MaxExpansions))
	}
	if c.Matching.CandidateLimit <= 0 {
		errs = append(errs, errors.New("matching.candidate_limit must be positive"))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be positive"))
	}
	if c.Dispatch.RetryBaseDelay <= 0 || c.Dispatch.RetryMaxDelay < c.Dispatch.RetryBaseDelay {
		errs = append(errs, errors.New("dispatch retry delays must satisfy 0 < retry_base_delay <= retry_max_delay"))
	}
	if c.Dispatch.MatchGrace <= 0 || c.Dispatch.SweepInterval <= 0 {
		errs = append(errs, errors.New("dispatch.match_grace and dispatch.sweep_interval must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}
