package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Ticket   TicketConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	ConnRetries  int
	AutoMigrate  bool
}

// RedisConfig backs the PIN attempt limiter. An empty Addr disables it.
type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	PINAttemptLimit  int
	PINAttemptWindow time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	Enabled    bool
	Partitions int
	Topics     TopicConfig
}

type TopicConfig struct {
	TicketIssued    string
	AdmissionEvents string
}

const (
	AuthModeOIDC = "oidc"
	AuthModeHMAC = "hmac"
)

type AuthConfig struct {
	Mode         string
	OIDCIssuer   string
	OIDCClientID string
	HMACSecret   string
	HMACIssuer   string
}

type TicketConfig struct {
	Timezone string
	BaseURL  string
	QRSize   int
}

type LogConfig struct {
	Level string
	Dir   string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", ":8084"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			DSN:          os.Getenv("POSTGRES_DSN"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			ConnRetries:  getEnvInt("DB_CONNECT_RETRIES", 5),
			AutoMigrate:  getEnvBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:             os.Getenv("REDIS_ADDR"),
			Password:         os.Getenv("REDIS_PASSWORD"),
			DB:               getEnvInt("REDIS_DB", 0),
			PINAttemptLimit:  getEnvInt("PIN_ATTEMPT_LIMIT", 5),
			PINAttemptWindow: getEnvDuration("PIN_ATTEMPT_WINDOW", time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Enabled:    getEnvBool("KAFKA_ENABLED", true),
			Partitions: getEnvInt("KAFKA_TOPIC_PARTITIONS", 3),
			Topics: TopicConfig{
				TicketIssued:    getEnv("KAFKA_TOPIC_TICKET_ISSUED", "ticketly.tickets.issued"),
				AdmissionEvents: getEnv("KAFKA_TOPIC_ADMISSIONS", "ticketly.admissions"),
			},
		},
		Auth: AuthConfig{
			Mode:         strings.ToLower(getEnv("AUTH_MODE", AuthModeOIDC)),
			OIDCIssuer:   os.Getenv("OIDC_ISSUER"),
			OIDCClientID: os.Getenv("OIDC_CLIENT_ID"),
			HMACSecret:   os.Getenv("AUTH_HMAC_SECRET"),
			HMACIssuer:   os.Getenv("AUTH_HMAC_ISSUER"),
		},
		Ticket: TicketConfig{
			Timezone: getEnv("ORG_TIMEZONE", "America/Mexico_City"),
			BaseURL:  getEnv("TICKET_BASE_URL", "http://localhost:8084/api/tickets/view"),
			QRSize:   getEnvInt("QR_SIZE", 256),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
			Dir:   getEnv("LOG_DIR", "logs"),
		},
	}
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN not set")
	}
	switch c.Auth.Mode {
	case AuthModeOIDC:
		if c.Auth.OIDCIssuer == "" || c.Auth.OIDCClientID == "" {
			return fmt.Errorf("OIDC_ISSUER and OIDC_CLIENT_ID are required when AUTH_MODE=oidc")
		}
	case AuthModeHMAC:
		if c.Auth.HMACSecret == "" {
			return fmt.Errorf("AUTH_HMAC_SECRET is required when AUTH_MODE=hmac")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS not set")
	}
	if c.Redis.Addr != "" && c.Redis.PINAttemptLimit <= 0 {
		return fmt.Errorf("PIN_ATTEMPT_LIMIT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
