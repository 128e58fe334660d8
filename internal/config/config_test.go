package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `auth:
  jwt_secret: "s3cret"
spatial:
  backend: redis
redis:
  addr: "localhost:6379"
matching:
  max_radius_meters: 8000
  lease: redis
dispatch:
  retry_base_delay: 250ms
  match_grace: 90s
mqtt:
  broker: "tcp://localhost:1883"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("DISPATCH_DISPATCH__WORKERS", "12")
	t.Setenv("DISPATCH_NATS__URL", "nats://localhost:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	require.Equal(t, "redis", cfg.Spatial.Backend)
	require.Equal(t, 8000.0, cfg.Matching.MaxRadiusMeters)
	require.Equal(t, 1000.0, cfg.Matching.InitialRadiusMeters)
	require.Equal(t, "redis", cfg.Matching.Lease)
	require.Equal(t, 250*time.Millisecond, cfg.Dispatch.RetryBaseDelay)
	require.Equal(t, 90*time.Second, cfg.Dispatch.MatchGrace)
	require.Equal(t, 12, cfg.Dispatch.Workers)
	require.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	require.Equal(t, "agents/+/position", cfg.MQTT.Topic)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("DISPATCH_AUTH__JWT_SECRET", "env-secret")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	require.Equal(t, "grid", cfg.Spatial.Backend)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	_, err := Load("config.toml")
	require.ErrorContains(t, err, "unsupported config format")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.ErrorContains(t, err, "auth.jwt_secret")

	cfg.Auth.JWTSecret = "x"
	require.NoError(t, cfg.Validate())

	cfg.Spatial.Backend = "redis"
	cfg.Matching.Lease = "zookeeper"
	cfg.Matching.MaxRadiusMeters = 10
	err = cfg.Validate()
	require.ErrorContains(t, err, "redis.addr")
	require.ErrorContains(t, err, "zookeeper")
	require.ErrorContains(t, err, "max_radius_meters")

	cfg = Default()
	cfg.Auth.JWTSecret = "x"
	cfg.Matching.MaxExpansions = 5
	require.ErrorContains(t, cfg.Validate(), "matching.max_expansions 5")
	cfg.Matching.MaxExpansions = -1
	require.ErrorContains(t, cfg.Validate(), "matching.max_expansions -1")
	cfg.Matching.MaxExpansions = 0
	require.NoError(t, cfg.Validate())
}
