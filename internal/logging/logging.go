package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kasirsync/backend/internal/config"
)

// New builds the process logger. Production uses JSON with ISO8601 timestamps
// unless LOG_ENCODING overrides it.
func New(cfg config.LoggerConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(cfg.AppEnv, "production") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	switch strings.ToLower(cfg.Encoding) {
	case "json":
		zcfg.Encoding = "json"
	case "console":
		zcfg.Encoding = "console"
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true

	return zcfg.Build()
}
