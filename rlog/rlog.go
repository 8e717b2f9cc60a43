// Package rlog builds the structured, rotating logger that conn.Connection
// and the echodemo driver use rather than the standard library's log
// package: zap for structured fields and levels, lumberjack for rotation,
// matching how cppla-moto's utils/log.go wires the same pair. Unlike that
// package's global singleton, rlog hands back a logger the caller owns and
// passes explicitly; ForConnection derives a child scoped to one
// connection id.
package rlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures where and how logs are written.
type Options struct {
	FilePath   string // empty means stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      zapcore.Level
	Development bool
}

// DefaultOptions matches the rotation sizes cppla-moto's logger defaults
// to: 100MB per file, 5 backups, 28 days retention.
func DefaultOptions() Options {
	return Options{
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Level:      zapcore.InfoLevel,
	}
}

// New builds a *zap.SugaredLogger writing JSON to stderr and, if
// opts.FilePath is set, to a lumberjack-rotated file at the same time.
func New(opts Options) (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), opts.Level),
	}
	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), opts.Level))
	}

	core := zapcore.NewTee(cores...)
	zapOpts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development())
	}
	logger := zap.New(core, zapOpts...)
	return logger.Sugar(), nil
}

// NewNop returns a logger that discards everything, used by tests and
// library callers that haven't configured logging yet.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// ForConnection returns a child logger scoped to one connection id, so
// every line logged through it carries that id.
func ForConnection(base *zap.SugaredLogger, connectionID string) *zap.SugaredLogger {
	return base.With("connection", connectionID)
}
