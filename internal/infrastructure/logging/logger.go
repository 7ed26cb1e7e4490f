package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the daemon's structured logger. The engine and the
// transports share one instance and tag records with bus, connection
// and session fields.
type Logger struct {
	*zap.Logger
}

// Config selects record format and verbosity.
type Config struct {
	Level       string // "debug", "info", "warn" or "error"
	Development bool
	OutputPaths []string
}

// DefaultConfig returns the daemon's production configuration: json
// records on stdout at info level.
func DefaultConfig() Config {
	return Config{Level: "info", OutputPaths: []string{"stdout"}}
}

// New builds a logger from cfg. Production records are json with
// nanosecond timestamps, matching the timestamp items the engine
// attaches to messages; development records are colored console lines
// with caller sites.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	paths := cfg.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}
	sink, _, err := zap.Open(paths...)
	if err != nil {
		return nil, err
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochNanosTimeEncoder,
		EncodeDuration: zapcore.NanosDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var core zapcore.Core
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		enc.EncodeDuration = zapcore.StringDurationEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(enc), sink, level)
	} else {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, level)
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(zapcore.AddSync(os.Stderr))),
	}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	}
	return &Logger{Logger: zap.New(core, opts...).Named("busd")}, nil
}

// NewDevelopment builds a debug-level console logger for interactive
// runs.
func NewDevelopment() *Logger {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.Development = true
	l, err := New(cfg)
	if err != nil {
		return NewNop()
	}
	return l
}

// NewNop discards every record.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}
