// Package logging provides structured logging for the pagekv storage engine.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the logging level.
type Level int

const (
	// LevelDebug is the most verbose level.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the log output format.
type Format int

const (
	// FormatText outputs logs in human-readable text format.
	FormatText Format = iota
	// FormatJSON outputs logs in JSON format.
	FormatJSON
)

// ParseFormat parses a string into a Format.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	default:
		return FormatText
	}
}

// Logger is the interface for structured logging used by the Database (e.g.
// background checkpoint failures) and its transactions. The checkpointer and
// recovery drivers log through their own *zap.SugaredLogger instead.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	// WithRequestID returns a new logger correlating subsequent entries.
	WithRequestID(requestID string) Logger
	// WithFields returns a new logger with persistent structured fields.
	WithFields(keysAndValues ...interface{}) Logger
}

// Config holds the logger configuration.
type Config struct {
	Level  string
	Format string
	Output string
	// Recent, when > 0, keeps the last N records in memory for EventListener
	// consumption, independent of where zap otherwise writes them.
	Recent int
}

type logger struct {
	sugar  *zap.SugaredLogger
	recent *ring
}

// New creates a new Logger backed by zap, configured from cfg.
func New(cfg Config) Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.RFC3339TimeEncoder

	var encoder zapcore.Encoder
	if ParseFormat(cfg.Format) == FormatJSON {
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	sink := outputSink(cfg.Output)
	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(ParseLevel(cfg.Level).zapLevel()))

	l := &logger{sugar: zap.New(core).Sugar()}
	if cfg.Recent > 0 {
		l.recent = newRing(cfg.Recent)
	}
	return l
}

func outputSink(output string) zapcore.WriteSyncer {
	switch output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return zapcore.Lock(os.Stdout)
		}
		return zapcore.Lock(f)
	}
}

// NewDefault creates a Logger with default settings (info level, text, stdout).
func NewDefault() Logger {
	return New(Config{Level: "info", Format: "text", Output: "stdout"})
}

// NewNop creates a no-op logger that discards all output.
func NewNop() Logger {
	return &logger{sugar: zap.NewNop().Sugar()}
}

func (l *logger) Debug(msg string, kv ...interface{}) { l.emit(LevelDebug, msg, kv...) }
func (l *logger) Info(msg string, kv ...interface{})  { l.emit(LevelInfo, msg, kv...) }
func (l *logger) Warn(msg string, kv ...interface{})  { l.emit(LevelWarn, msg, kv...) }
func (l *logger) Error(msg string, kv ...interface{}) { l.emit(LevelError, msg, kv...) }

func (l *logger) emit(level Level, msg string, kv ...interface{}) {
	switch level {
	case LevelDebug:
		l.sugar.Debugw(msg, kv...)
	case LevelWarn:
		l.sugar.Warnw(msg, kv...)
	case LevelError:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
	if l.recent != nil {
		l.recent.push(Record{Level: level, Message: msg, Fields: kv})
	}
}

func (l *logger) WithRequestID(requestID string) Logger {
	return &logger{sugar: l.sugar.With("request_id", requestID), recent: l.recent}
}

func (l *logger) WithFields(kv ...interface{}) Logger {
	return &logger{sugar: l.sugar.With(kv...), recent: l.recent}
}

// Recent returns the last n records retained in memory, oldest first.
// Empty if the logger was not configured with Config.Recent.
func (l *logger) Recent() []Record {
	if l.recent == nil {
		return nil
	}
	return l.recent.snapshot()
}
