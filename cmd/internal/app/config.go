package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// UploadDir holds staged sync files.
	UploadDir string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("GEOPRO_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("GEOPRO_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("GEOPRO_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("GEOPRO_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("GEOPRO_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("GEOPRO_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("GEOPRO_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("GEOPRO_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("GEOPRO_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("GEOPRO_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("GEOPRO_READINESS_REQUIRE_DB", false),

		UploadDir: EnvString("GEOPRO_UPLOAD_DIR", "uploads"),
	}
}
