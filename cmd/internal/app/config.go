package app

import (
	"os"
	"time"
)

func defaultInstanceID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "tether-1"
	}
	return h
}

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Presence namespace; lets several deployments share one Redis.
	RedisNamespace string

	TokenSecret string
	TokenIssuer string

	// InstanceID identifies this process in cross-instance presence entries.
	// Defaults to the hostname.
	InstanceID string

	HealthInterval time.Duration
	StatusTTL      time.Duration

	RoomParticipantCap int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
	// If true:
	// - /readyz returns 503 unless Redis is configured and reachable.
	ReadinessRequireRedis bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	healthInterval := EnvDuration("TETHER_HEALTH_INTERVAL", 30*time.Second)

	return Config{
		HTTPAddr:  EnvString("TETHER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TETHER_LOG_LEVEL", "info"),
		LogFormat: EnvString("TETHER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TETHER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TETHER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TETHER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TETHER_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("TETHER_DB_SCHEMA", "tether"),

		RedisAddr:      EnvString("TETHER_REDIS_ADDR", ""),
		RedisPassword:  EnvString("TETHER_REDIS_PASSWORD", ""),
		RedisDB:        EnvIntAllowZero("TETHER_REDIS_DB", 0),
		RedisNamespace: EnvString("TETHER_REDIS_NAMESPACE", "main"),

		TokenSecret: EnvString("TETHER_TOKEN_SECRET", ""),
		TokenIssuer: EnvString("TETHER_TOKEN_ISSUER", ""),

		InstanceID: EnvString("TETHER_INSTANCE_ID", defaultInstanceID()),

		HealthInterval: healthInterval,
		StatusTTL:      EnvDuration("TETHER_STATUS_TTL", 3*healthInterval),

		RoomParticipantCap: EnvInt("TETHER_ROOM_PARTICIPANT_CAP", 20),

		ReadinessRequireDB:    EnvBool("TETHER_READINESS_REQUIRE_DB", false),
		ReadinessRequireRedis: EnvBool("TETHER_READINESS_REQUIRE_REDIS", false),
	}
}
