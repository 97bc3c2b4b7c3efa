package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// GetZapLogger returns the process logger. The debug flag only matters on the
// first call.
func GetZapLogger(debug bool) *zap.Logger {
	once.Do(func() {
		logger = zap.New(newCore(debug))
	})
	return logger
}

func newCore(debug bool) zapcore.Core {
	stdoutSyncer := zapcore.Lock(os.Stdout)
	stderrSyncer := zapcore.Lock(os.Stderr)

	encoderConfig := zap.NewProductionEncoderConfig()
	lowest := zapcore.InfoLevel
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		lowest = zapcore.DebugLevel
	}

	// debug and info to stdout, the rest to stderr
	stdoutLevels := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= lowest && level < zapcore.WarnLevel
	})
	stderrLevels := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stdoutSyncer, stdoutLevels),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stderrSyncer, stderrLevels),
	)
}
