package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLoggerWithService builds the service logger at the level chosen by
// LOG_LEVEL, or by ENV when LOG_LEVEL is unset.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(LevelFromEnv(os.Getenv("ENV"), os.Getenv("LOG_LEVEL")), serviceName)
}

// InitLoggerWithLevel builds a JSON logger named after serviceName and
// installs it as the zap global, which the Redis store logs through.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	logger, err := loggerConfig(level).Build()
	if err != nil {
		return nil, err
	}
	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func loggerConfig(level zapcore.Level) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	// stdout belongs to the MCP JSON-RPC stream
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}

// LevelFromEnv maps LOG_LEVEL (debug, info, warn, error) to a zap level.
// Without an explicit level, development environments log at debug.
func LevelFromEnv(env, logLevel string) zapcore.Level {
	if logLevel == "" {
		switch strings.ToLower(env) {
		case "development", "dev":
			return zapcore.DebugLevel
		}
		return zapcore.InfoLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(logLevel))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
