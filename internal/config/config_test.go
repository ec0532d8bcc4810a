package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost/db")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("ORG_TIMEZONE", "")

	cfg := Load()
	assert.Equal(t, ":8084", cfg.Server.Port)
	assert.Equal(t, "America/Mexico_City", cfg.Ticket.Timezone)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Redis.PINAttemptLimit)
	assert.Equal(t, time.Minute, cfg.Redis.PINAttemptWindow)
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PIN_ATTEMPT_WINDOW", "90s")
	t.Setenv("PIN_ATTEMPT_LIMIT", "not-a-number")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("AUTH_MODE", "HMAC")

	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Redis.PINAttemptWindow)
	assert.Equal(t, 5, cfg.Redis.PINAttemptLimit)
	assert.False(t, cfg.Database.AutoMigrate)
	assert.Equal(t, AuthModeHMAC, cfg.Auth.Mode)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{DSN: "postgres://x"},
			Auth:     AuthConfig{Mode: AuthModeHMAC, HMACSecret: "s"},
			Kafka:    KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"hmac without secret", func(c *Config) { c.Auth.HMACSecret = "" }},
		{"oidc without issuer", func(c *Config) { c.Auth.Mode = AuthModeOIDC }},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "basic" }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"redis without limit", func(c *Config) { c.Redis.Addr = "localhost:6379" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
