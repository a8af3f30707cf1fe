package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"koi-vetter/internal/common"
)

type Settings struct {
	ListenAddr        string
	DashboardAddr     string
	ModelKind         string
	ModelPath         string
	PythonPath        string
	ModelTimeout      time.Duration
	ModelStartup      time.Duration
	CacheSize         int
	DataPath          string
	HistoryLimit      int
	LogLevel          string
	LogFile           string
	LogMaxSizeMB      int
	LogMaxBackups     int
	LogMaxAgeDays     int
	RateLimit         float64
	RateBurst         int
	RequestTimeout    time.Duration
	BroadcastInterval time.Duration
}

type ConfigFile struct {
	Server struct {
		ListenAddr     string   `yaml:"listenAddr"`
		DashboardAddr  *string  `yaml:"dashboardAddr"`
		RequestTimeout string   `yaml:"requestTimeout"`
		RateLimit      *float64 `yaml:"rateLimit"`
		RateBurst      int      `yaml:"rateBurst"`
	} `yaml:"server"`

	Model struct {
		Kind           string `yaml:"kind"`
		Path           string `yaml:"path"`
		PythonPath     string `yaml:"pythonPath"`
		Timeout        string `yaml:"timeout"`
		StartupTimeout string `yaml:"startupTimeout"`
		CacheSize      *int   `yaml:"cacheSize"`
	} `yaml:"model"`

	Dashboard struct {
		BroadcastInterval string `yaml:"broadcastInterval"`
	} `yaml:"dashboard"`

	System struct {
		DataPath     string `yaml:"dataPath"`
		HistoryLimit int    `yaml:"historyLimit"`
	} `yaml:"system"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"logging"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Present keys win even when empty or zero, which is how the dashboard,
	// the rate limiter and the cache get switched off.
	cacheSize := common.DefaultCacheSize
	if config.Model.CacheSize != nil {
		cacheSize = *config.Model.CacheSize
	}
	dashboardAddr := common.DefaultDashboardAddr
	if config.Server.DashboardAddr != nil {
		dashboardAddr = *config.Server.DashboardAddr
	}
	rateLimit := common.DefaultRateLimit
	if config.Server.RateLimit != nil {
		rateLimit = *config.Server.RateLimit
	}

	// Override with environment variables if they exist
	settings := Settings{
		ListenAddr:        getEnvOrDefault(common.EnvListenAddr, orDefault(config.Server.ListenAddr, common.DefaultListenAddr)),
		DashboardAddr:     lookupEnvOrDefault(common.EnvDashboardAddr, dashboardAddr),
		ModelKind:         getEnvOrDefault(common.EnvModelKind, orDefault(config.Model.Kind, common.DefaultModelKind)),
		ModelPath:         getEnvOrDefault(common.EnvModelPath, orDefault(config.Model.Path, common.DefaultModelPath)),
		PythonPath:        getEnvOrDefault(common.EnvPythonPath, config.Model.PythonPath),
		ModelTimeout:      getDurationOrDefault(common.EnvModelTimeout, parseDurationOr(config.Model.Timeout, common.DefaultModelTimeout)),
		ModelStartup:      getDurationOrDefault(common.EnvModelStartup, parseDurationOr(config.Model.StartupTimeout, common.DefaultModelStartup)),
		CacheSize:         getIntOrDefault(common.EnvCacheSize, cacheSize),
		DataPath:          getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		HistoryLimit:      getIntFromEnvOrConfig(common.EnvHistoryLimit, config.System.HistoryLimit, common.DefaultHistoryLimit),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, orDefault(config.Logging.Level, common.DefaultLogLevel)),
		LogFile:           getEnvOrDefault(common.EnvLogFile, config.Logging.File),
		LogMaxSizeMB:      getIntFromEnvOrConfig(common.EnvLogMaxSizeMB, config.Logging.MaxSizeMB, common.DefaultLogMaxSizeMB),
		LogMaxBackups:     getIntFromEnvOrConfig(common.EnvLogMaxBackups, config.Logging.MaxBackups, common.DefaultLogMaxBackups),
		LogMaxAgeDays:     getIntFromEnvOrConfig(common.EnvLogMaxAgeDays, config.Logging.MaxAgeDays, common.DefaultLogMaxAgeDays),
		RateLimit:         getFloatOrDefault(common.EnvRateLimit, rateLimit),
		RateBurst:         getIntFromEnvOrConfig(common.EnvRateBurst, config.Server.RateBurst, common.DefaultRateBurst),
		RequestTimeout:    getDurationOrDefault(common.EnvRequestTimeout, parseDurationOr(config.Server.RequestTimeout, common.DefaultRequestTimeout)),
		BroadcastInterval: getDurationOrDefault(common.EnvBroadcastInterval, parseDurationOr(config.Dashboard.BroadcastInterval, common.DefaultBroadcastInterval)),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ListenAddr:        getEnvOrDefault(common.EnvListenAddr, common.DefaultListenAddr),
		DashboardAddr:     lookupEnvOrDefault(common.EnvDashboardAddr, common.DefaultDashboardAddr),
		ModelKind:         getEnvOrDefault(common.EnvModelKind, common.DefaultModelKind),
		ModelPath:         getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		PythonPath:        os.Getenv(common.EnvPythonPath), // optional
		ModelTimeout:      getDurationOrDefault(common.EnvModelTimeout, common.DefaultModelTimeout),
		ModelStartup:      getDurationOrDefault(common.EnvModelStartup, common.DefaultModelStartup),
		CacheSize:         getIntOrDefault(common.EnvCacheSize, common.DefaultCacheSize),
		DataPath:          os.Getenv(common.EnvDataPath), // optional
		HistoryLimit:      getIntOrDefault(common.EnvHistoryLimit, common.DefaultHistoryLimit),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFile:           os.Getenv(common.EnvLogFile), // optional
		LogMaxSizeMB:      getIntOrDefault(common.EnvLogMaxSizeMB, common.DefaultLogMaxSizeMB),
		LogMaxBackups:     getIntOrDefault(common.EnvLogMaxBackups, common.DefaultLogMaxBackups),
		LogMaxAgeDays:     getIntOrDefault(common.EnvLogMaxAgeDays, common.DefaultLogMaxAgeDays),
		RateLimit:         getFloatOrDefault(common.EnvRateLimit, common.DefaultRateLimit),
		RateBurst:         getIntOrDefault(common.EnvRateBurst, common.DefaultRateBurst),
		RequestTimeout:    getDurationOrDefault(common.EnvRequestTimeout, common.DefaultRequestTimeout),
		BroadcastInterval: getDurationOrDefault(common.EnvBroadcastInterval, common.DefaultBroadcastInterval),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func parseDurationOr(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// lookupEnvOrDefault honors a variable that is set but empty.
func lookupEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getIntOrDefault(key, defaultValue)
}

var validKinds = []string{"auto", "forest", "logistic", "joblib", "remote"}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate addresses
	if settings.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	// Validate model selection
	if settings.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	kind := strings.ToLower(settings.ModelKind)
	known := false
	for _, k := range validKinds {
		if kind == k {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("model kind must be one of %s, got %q", strings.Join(validKinds, ", "), settings.ModelKind)
	}
	settings.ModelKind = kind

	// Validate time durations
	if settings.ModelTimeout < 10*time.Millisecond || settings.ModelTimeout > time.Minute {
		return fmt.Errorf("model timeout must be between 10ms and 1m, got %v", settings.ModelTimeout)
	}
	if settings.ModelStartup < time.Second || settings.ModelStartup > 10*time.Minute {
		return fmt.Errorf("model startup timeout must be between 1s and 10m, got %v", settings.ModelStartup)
	}
	if settings.RequestTimeout < 100*time.Millisecond || settings.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request timeout must be between 100ms and 5m, got %v", settings.RequestTimeout)
	}
	if settings.BroadcastInterval < 100*time.Millisecond || settings.BroadcastInterval > time.Hour {
		return fmt.Errorf("broadcast interval must be between 100ms and 1h, got %v", settings.BroadcastInterval)
	}

	// Validate integer values
	if settings.CacheSize < 0 || settings.CacheSize > 1_000_000 {
		return fmt.Errorf("cache size must be between 0 and 1000000, got %d", settings.CacheSize)
	}
	if settings.HistoryLimit <= 0 || settings.HistoryLimit > 10000 {
		return fmt.Errorf("history limit must be between 1 and 10000, got %d", settings.HistoryLimit)
	}
	if settings.RateBurst <= 0 || settings.RateBurst > 10000 {
		return fmt.Errorf("rate burst must be between 1 and 10000, got %d", settings.RateBurst)
	}
	if settings.LogFile != "" {
		if settings.LogMaxSizeMB <= 0 || settings.LogMaxBackups < 0 || settings.LogMaxAgeDays < 0 {
			return fmt.Errorf("log rotation limits must be positive, got size=%dMB backups=%d age=%dd",
				settings.LogMaxSizeMB, settings.LogMaxBackups, settings.LogMaxAgeDays)
		}
	}

	// Validate float values, 0 disables rate limiting
	if settings.RateLimit < 0 || settings.RateLimit > 10000 {
		return fmt.Errorf("rate limit must be between 0 and 10000 requests/s, got %f", settings.RateLimit)
	}

	switch strings.ToLower(settings.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be trace, debug, info, warn or error, got %q", settings.LogLevel)
	}

	return nil
}
