package common

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Console output goes to stderr so
// image or JSON output on stdout stays clean.
func NewLogger(level string, jsonOutput bool) (*zap.SugaredLogger, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.SetLevel(zap.InfoLevel)
	}

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = lvl
		config.OutputPaths = []string{"stderr"}
		logger, err := config.Build()
		if err != nil {
			return nil, err
		}
		return logger.Sugar(), nil
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core).Sugar(), nil
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}
