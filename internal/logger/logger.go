package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"multichain-funding/internal/config"
)

// New creates the service logger. ENV=production selects the JSON production
// configuration; anything else gets the development console logger. When cfg.File is
// set, entries are also written as JSON to a rotated log file.
func New(env string, cfg config.LogConfig) (*zap.Logger, error) {
	production := env == "production"

	if cfg.File == "" {
		if production {
			return zap.NewProduction()
		}
		return zap.NewDevelopment()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	level := zapcore.InfoLevel
	if !production {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		level = zapcore.DebugLevel
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	if production {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level),
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
