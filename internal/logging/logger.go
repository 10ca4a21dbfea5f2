package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel orders messages by severity.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// TraceLevel sits one step below zap's debug level.
const TraceLevel = zapcore.DebugLevel - 1

var zapLevels = map[LogLevel]zapcore.Level{
	LevelError: zapcore.ErrorLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelDebug: zapcore.DebugLevel,
	LevelTrace: TraceLevel,
}

// ParseLevel maps a level name such as "debug" or "TRACE" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO", "":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config selects the zap encoder and sink.
type Config struct {
	Level      string // error, warn, info, debug, trace
	Format     string // console or json
	OutputPath string // stdout, stderr or a file path
}

// Logger provides leveled printf-style logging on top of zap
type Logger struct {
	prefix string
	cache  atomic.Pointer[cachedLogger]
}

type cachedLogger struct {
	generation uint64
	zap        *zap.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once

	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	root       atomic.Pointer[zap.Logger]
	generation atomic.Uint64
)

func init() {
	root.Store(build(Config{Format: "console"}))
}

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("ARCHFS")

		// LOG_LEVEL applies until Configure runs
		if env := os.Getenv("LOG_LEVEL"); env != "" {
			if l, err := ParseLevel(env); err == nil {
				defaultLogger.SetLevel(l)
			}
		}
	})
	return defaultLogger
}

// NewLogger returns a logger whose zap name is prefix.
func NewLogger(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

// Configure rebuilds the shared zap core. Loggers obtained earlier pick up
// the new core on their next call.
func Configure(cfg Config) error {
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level.SetLevel(zapLevels[l])
	}
	switch cfg.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	z := build(cfg)
	if z == nil {
		return fmt.Errorf("cannot open log output %q", cfg.OutputPath)
	}
	old := root.Swap(z)
	generation.Add(1)
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// Sync flushes any buffered log entries.
func Sync() error {
	return root.Load().Sync()
}

func build(cfg Config) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = encodeLevel

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		enc.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	out := cfg.OutputPath
	if out == "" {
		out = "stdout"
	}
	sink, _, err := zap.Open(out)
	if err != nil {
		return nil
	}
	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
}

func encodeLevel(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		pae.AppendString("TRACE")
		return
	}
	zapcore.CapitalLevelEncoder(l, pae)
}

// SetLevel changes the level of every logger at once.
func (l *Logger) SetLevel(lvl LogLevel) {
	level.SetLevel(zapLevels[lvl])
}

func (l *Logger) zap() *zap.Logger {
	gen := generation.Load()
	if c := l.cache.Load(); c != nil && c.generation == gen {
		return c.zap
	}
	z := root.Load().Named(l.prefix)
	l.cache.Store(&cachedLogger{generation: gen, zap: z})
	return z
}

func (l *Logger) log(lvl zapcore.Level, format string, args ...interface{}) {
	ce := l.zap().Check(lvl, "")
	if ce == nil {
		return
	}
	ce.Message = fmt.Sprintf(format, args...)
	ce.Write()
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(zapcore.ErrorLevel, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(zapcore.WarnLevel, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(zapcore.InfoLevel, format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(zapcore.DebugLevel, format, args...)
}

// Trace logs below debug. It is dropped unless the level is trace.
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(TraceLevel, format, args...)
}

// WithPrefix returns a logger named prefix. The receiver's prefix is not kept.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return NewLogger(prefix)
}
