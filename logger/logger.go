/*
logger.go - Structured logging setup

PURPOSE:
  Builds the *zap.Logger shared by the server, the scheduler and the
  royalty controllers. Output goes to stdout, stderr, or a rotating file
  (lumberjack).

FIELDS:
  JSON encoder, "timestamp" / "level" / "message" / "caller" keys,
  capitalised levels. Debug level switches to zap's development config
  (console encoder, stack traces on warn).

USAGE:
  log, err := logger.New(logger.Options{Level: "info", Output: "file", File: "logs/royalty.log"})
  if err != nil {
      panic(err)
  }
  defer log.Sync()

SEE ALSO:
  - config/config.go: LogConfig feeds Options
*/
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level and destination.
type Options struct {
	Level  string // debug, info, warn, error
	Output string // stdout, stderr, file
	File   string // used when Output is "file"

	// Rotation, only for file output. Zero means default.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var sink zapcore.WriteSyncer
	switch strings.ToLower(opts.Output) {
	case "", "stdout":
		sink = zapcore.Lock(os.Stdout)
	case "stderr":
		sink = zapcore.Lock(os.Stderr)
	case "file":
		if opts.File == "" {
			return nil, fmt.Errorf("log output is file but no log file is set")
		}
		sink = zapcore.AddSync(rotatingFile(opts))
	default:
		return nil, fmt.Errorf("unknown log output %q", opts.Output)
	}

	var encoder zapcore.Encoder
	if level == zapcore.DebugLevel {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

// MustNew is New for main packages.
func MustNew(opts Options) *zap.Logger {
	log, err := New(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return log
}

func rotatingFile(opts Options) *lumberjack.Logger {
	l := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	if l.MaxSize == 0 {
		l.MaxSize = defaultMaxSizeMB
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = defaultMaxBackups
	}
	if l.MaxAge == 0 {
		l.MaxAge = defaultMaxAgeDays
	}
	return l
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05"))
	}
	cfg.CallerKey = "caller"
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.LevelKey = "level"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.MessageKey = "message"
	return cfg
}

// ParseLevel maps a config string to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
