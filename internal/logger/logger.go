package logger

import (
	"os"
	"strings"

	"github.com/amerfu/spendguard/internal/core/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

// Initialize builds the process logger from cfg and installs it as the
// package-level default.
func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	// Set output paths
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		if cfg.OutputPath == "stderr" {
			zapConfig.OutputPaths = []string{"stderr"}
			zapConfig.ErrorOutputPaths = []string{"stderr"}
		} else {
			zapConfig.OutputPaths = []string{cfg.OutputPath}
			zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
		}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	Logger = logger
	Sugar = logger.Sugar()

	return logger, nil
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func Get() *zap.Logger {
	if Logger == nil {
		logger, _ := zap.NewProduction()
		Logger = logger
		Sugar = logger.Sugar()
	}
	return Logger
}

func GetSugar() *zap.SugaredLogger {
	if Sugar == nil {
		Get()
	}
	return Sugar
}

func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Named returns a child logger for a component, e.g. "budget".
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func IsDebugEnabled() bool {
	return Get().Core().Enabled(zapcore.DebugLevel)
}

func init() {
	if Logger == nil {
		var logger *zap.Logger
		if os.Getenv("APP_ENV") == "production" {
			logger, _ = zap.NewProduction()
		} else {
			logger, _ = zap.NewDevelopment()
		}
		Logger = logger
		Sugar = logger.Sugar()
	}
}
