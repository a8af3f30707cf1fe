package common

import "time"

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvModelPath         = "MODEL_PATH"
	EnvModelKind         = "MODEL_KIND"
	EnvPythonPath        = "PYTHON_PATH"
	EnvModelTimeout      = "MODEL_TIMEOUT"
	EnvModelStartup      = "MODEL_STARTUP_TIMEOUT"
	EnvCacheSize         = "CACHE_SIZE"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvDashboardAddr     = "DASHBOARD_ADDR"
	EnvDataPath          = "DATA_PATH"
	EnvHistoryLimit      = "HISTORY_LIMIT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFile           = "LOG_FILE"
	EnvLogMaxSizeMB      = "LOG_MAX_SIZE_MB"
	EnvLogMaxBackups     = "LOG_MAX_BACKUPS"
	EnvLogMaxAgeDays     = "LOG_MAX_AGE_DAYS"
	EnvRateLimit         = "RATE_LIMIT"
	EnvRateBurst         = "RATE_BURST"
	EnvBroadcastInterval = "BROADCAST_INTERVAL"
	EnvRequestTimeout    = "REQUEST_TIMEOUT"
)

// Configuration defaults
const (
	DefaultModelPath         = "model/exoplanet_model.json"
	DefaultModelKind         = "auto"
	DefaultListenAddr        = ":5000"
	DefaultDashboardAddr     = ":8501"
	DefaultLogLevel          = "info"
	DefaultCacheSize         = 1024
	DefaultHistoryLimit      = 50
	DefaultLogMaxSizeMB      = 100
	DefaultLogMaxBackups     = 3
	DefaultLogMaxAgeDays     = 28
	DefaultRateLimit         = 20.0
	DefaultRateBurst         = 40
	DefaultModelTimeout      = 5 * time.Second
	DefaultModelStartup      = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultBroadcastInterval = 5 * time.Second
)

// Storage buckets
const (
	BucketClassifications = "classifications"
)

// Record sources
const (
	SourceForm      = "form"
	SourceAPI       = "api"
	SourceDashboard = "dashboard"
)
