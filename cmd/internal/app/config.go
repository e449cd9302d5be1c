package app

import "time"

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
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// DBEnsureSchema creates missing tables at startup. Dev convenience;
	// production schema management runs migrations out of band.
	DBEnsureSchema bool

	// RedisURL enables the Redis-backed token revocation list. Empty means
	// an in-process revocation list (single-instance only).
	RedisURL string

	// JWT verification for websocket and REST bearer credentials.
	JWTSecret string
	JWTIssuer string

	// CORS policy for the REST surface. The websocket gateway enforces its
	// own origin policy.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, TEXLER_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and invitation-token hashing must be HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TEXLER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TEXLER_LOG_LEVEL", "info"),
		LogFormat: EnvString("TEXLER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TEXLER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TEXLER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TEXLER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TEXLER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TEXLER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:    EnvString("TEXLER_DATABASE_URL", ""),
		DBSchema:       EnvString("TEXLER_DB_SCHEMA", "collab"),
		DBMaxConns:     EnvInt32("TEXLER_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("TEXLER_DB_MIN_CONNS", 0),
		DBEnsureSchema: EnvBool("TEXLER_DB_ENSURE_SCHEMA", false),

		RedisURL: EnvString("TEXLER_REDIS_URL", ""),

		JWTSecret: EnvString("TEXLER_JWT_SECRET", ""),
		JWTIssuer: EnvString("TEXLER_JWT_ISSUER", ""),

		CORSAllowedOrigins:   EnvCSV("TEXLER_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("TEXLER_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("TEXLER_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("TEXLER_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("TEXLER_REQUIRE_TOKEN_HMAC", false),
	}
}
