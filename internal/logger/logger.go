// Package logger provides the process-wide structured logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the global logger instance. It discards everything until
// InitLogger is called.
var Logger = zap.NewNop().Sugar()

// LoggerConfig contains configuration for the logger
type LoggerConfig struct {
	Debug     bool   // Enable debug level logging
	LogFormat string // "json" or "human"
	LogFile   string // Path to log file (optional)
}

// DefaultConfig returns a default configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Debug:     false,
		LogFormat: "human",
	}
}

// NewLogger builds a logger from the provided configuration
func NewLogger(config LoggerConfig) (*zap.SugaredLogger, error) {
	var zapConfig zap.Config

	if config.LogFormat == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputPaths := []string{"stderr"}
	if config.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		outputPaths = append(outputPaths, config.LogFile)
	}
	zapConfig.OutputPaths = outputPaths

	if config.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Sugar(), nil
}

// InitLogger initializes the global logger with the provided configuration
func InitLogger(config LoggerConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// Log functions
func LogInfo(message string, fields map[string]any) {
	Logger.Infow(message, flattenFields(fields)...)
}

func LogWarn(message string, fields map[string]any) {
	Logger.Warnw(message, flattenFields(fields)...)
}

func LogError(message string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	Logger.Errorw(message, flattenFields(fields)...)
}

func LogDebug(message string, fields map[string]any) {
	Logger.Debugw(message, flattenFields(fields)...)
}

// WithField returns a logger with a field added to every log
func WithField(key string, value any) *zap.SugaredLogger {
	return Logger.With(key, value)
}

// WithFields returns a logger with multiple fields added to every log
func WithFields(fields map[string]any) *zap.SugaredLogger {
	return Logger.With(flattenFields(fields)...)
}

// Component returns a child logger tagged with a component name
func Component(name string) *zap.SugaredLogger {
	return Logger.With("component", name)
}

// Helper function to format key-value pairs for logging
func flattenFields(fields map[string]any) []any {
	flat := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return flat
}

// Sync flushes any buffered log entries
func Sync() error {
	return Logger.Sync()
}
