package app

import "time"

// Backplane selection values for BARTERHUB_BACKPLANE.
const (
	BackplaneLocal = "local"
	BackplaneRedis = "redis"
	BackplaneNATS  = "nats"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Session tokens. JWTSecret must be at least 32 bytes; startup fails otherwise.
	JWTSecret  string
	TokenTTL   time.Duration
	CookieName string

	// CORS for the browser frontend. Credentials mode is always on because the
	// session cookie must travel with API calls.
	CORSAllowedOrigins []string

	// Fan-out backplane: "local" (single process), "redis" or "nats".
	Backplane     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// Websocket gateway knobs.
	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSDevInsecure      bool
	WSWriteTimeout     time.Duration
	WSReadIdleTimeout  time.Duration
	WSSendQueueSize    int
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("BARTERHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("BARTERHUB_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("BARTERHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BARTERHUB_HTTP_READ_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BARTERHUB_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("BARTERHUB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("BARTERHUB_DATABASE_URL", ""),
		DBSchema:    EnvString("BARTERHUB_DB_SCHEMA", "barterhub"),
		DBMaxConns:  EnvInt32("BARTERHUB_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BARTERHUB_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("BARTERHUB_READINESS_REQUIRE_DB", false),

		JWTSecret:  EnvString("BARTERHUB_JWT_SECRET", ""),
		TokenTTL:   EnvDuration("BARTERHUB_TOKEN_TTL", 24*time.Hour),
		CookieName: EnvString("BARTERHUB_COOKIE_NAME", "barterhub_token"),

		CORSAllowedOrigins: EnvCSV("BARTERHUB_CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		Backplane:     EnvString("BARTERHUB_BACKPLANE", BackplaneLocal),
		RedisAddr:     EnvString("BARTERHUB_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: EnvString("BARTERHUB_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntAllowZero("BARTERHUB_REDIS_DB", 0),
		NATSURL:       EnvString("BARTERHUB_NATS_URL", "nats://127.0.0.1:4222"),

		WSOriginRequired:   EnvBool("BARTERHUB_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:   EnvCSV("BARTERHUB_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSDevInsecure:      EnvBool("BARTERHUB_WS_DEV_INSECURE", false),
		WSWriteTimeout:     EnvDuration("BARTERHUB_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:  EnvDuration("BARTERHUB_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSSendQueueSize:    EnvInt("BARTERHUB_WS_SEND_QUEUE", 256),
		WSHeartbeatEvery:   EnvDuration("BARTERHUB_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("BARTERHUB_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:       EnvInt("BARTERHUB_WS_RATE_EVENTS", 120),
		WSRateWindow:       EnvDuration("BARTERHUB_WS_RATE_WINDOW", 10*time.Second),
	}
}
