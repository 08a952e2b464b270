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
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// OriginID identifies this process instance inside generated message ids.
	// Two instances sharing an origin id can mint colliding ids; deployments
	// must assign a distinct value per instance (0..1023).
	OriginID int

	// Ingestion buffer and flush tuning.
	BufferCap     int
	FlushBatch    int
	FlushMinBatch int
	FlushMaxBatch int
	FlushInterval time.Duration
	PressureAge   time.Duration
	LowLatency    time.Duration
	HighLatency   time.Duration
	FlushWorkers  int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("RIPPLE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("RIPPLE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("RIPPLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RIPPLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RIPPLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RIPPLE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RIPPLE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RIPPLE_DATABASE_URL", ""),
		DBSchema:    EnvString("RIPPLE_DB_SCHEMA", "ripple"),
		DBMaxConns:  EnvInt32("RIPPLE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RIPPLE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("RIPPLE_READINESS_REQUIRE_DB", false),

		OriginID: int(EnvInt32("RIPPLE_ORIGIN_ID", 0)),

		BufferCap:     EnvInt("RIPPLE_BUFFER_CAP", 5000),
		FlushBatch:    EnvInt("RIPPLE_FLUSH_BATCH", 100),
		FlushMinBatch: EnvInt("RIPPLE_FLUSH_MIN_BATCH", 50),
		FlushMaxBatch: EnvInt("RIPPLE_FLUSH_MAX_BATCH", 1000),
		FlushInterval: EnvDuration("RIPPLE_FLUSH_INTERVAL", 100*time.Millisecond),
		PressureAge:   EnvDuration("RIPPLE_FLUSH_PRESSURE_AGE", 150*time.Millisecond),
		LowLatency:    EnvDuration("RIPPLE_FLUSH_LOW_LATENCY", 50*time.Millisecond),
		HighLatency:   EnvDuration("RIPPLE_FLUSH_HIGH_LATENCY", 200*time.Millisecond),
		FlushWorkers:  EnvInt("RIPPLE_FLUSH_WORKERS", 4),
	}
}
