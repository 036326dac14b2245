package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the log section of the config.
func NewLogger(conf *AppConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(conf.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", conf.Log.Level, err)
	}

	var zc zap.Config
	if conf.Log.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar().With("app", Name), nil
}
