package cfg

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"koi-vetter/internal/ml"
)

// ModelConfig selects the classifier backend from the settings.
func (s Settings) ModelConfig() ml.ModelConfig {
	return ml.ModelConfig{
		Kind:           s.ModelKind,
		Path:           s.ModelPath,
		PythonPath:     s.PythonPath,
		CacheSize:      s.CacheSize,
		Timeout:        s.ModelTimeout,
		StartupTimeout: s.ModelStartup,
	}
}

// HistoryEnabled reports whether classifications are recorded.
func (s Settings) HistoryEnabled() bool {
	return s.DataPath != ""
}

// SetupLogging points the global zerolog logger at the console and, when a
// log file is configured, at a rotating file as well. The returned closer
// flushes the file sink.
func (s Settings) SetupLogging() io.Closer {
	level, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if s.LogFile == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return io.NopCloser(nil)
	}

	file := &lumberjack.Logger{
		Filename:   s.LogFile,
		MaxSize:    s.LogMaxSizeMB,
		MaxBackups: s.LogMaxBackups,
		MaxAge:     s.LogMaxAgeDays,
		Compress:   true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return file
}
