// Package logging provides structured logging for go-uring
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with ring-specific structured fields.
// Children created with the With* methods share the parent's output.
type Logger struct {
	zlog zerolog.Logger
	out  *asyncWriter // nil in Sync mode
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)

	// BufferSize is the number of queued lines the async writer holds
	// before it starts dropping (0 selects 1024)
	BufferSize int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     "text",
		Output:     os.Stderr,
		BufferSize: 1024,
	}
}

// asyncWriter moves log output off the submission path. When the queue is
// full lines are dropped and counted rather than blocking the caller.
type asyncWriter struct {
	out     io.Writer
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64
	closed  bool
	mu      sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// zerolog reuses p
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default:
		aw.dropped.Add(1)
	}
	return len(p), nil
}

// Close drains queued lines; later writes fail.
func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	l := &Logger{}
	output := config.Output
	if !config.Sync {
		size := config.BufferSize
		if size <= 0 {
			size = 1024
		}
		l.out = newAsyncWriter(config.Output, size)
		output = l.out
	}

	switch config.Format {
	case "json":
		l.zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		l.zlog = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			NoColor:    config.NoColor,
			TimeFormat: time.StampMicro,
		}).With().Timestamp().Logger()
	}
	l.zlog = l.zlog.Level(zerolog.Level(config.Level))
	return l
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Close flushes buffered output. Call it before the process exits; lines
// logged afterwards are discarded.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Dropped returns how many lines the async writer discarded because its
// queue was full.
func (l *Logger) Dropped() uint64 {
	if l.out == nil {
		return 0
	}
	return l.out.dropped.Load()
}

func (l *Logger) child(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), out: l.out}
}

// WithRing returns a logger with ring context
func (l *Logger) WithRing(ringID int) *Logger {
	return l.child(l.zlog.With().Int("ring_id", ringID))
}

// WithEngine returns a logger tagged with the completion engine name
func (l *Logger) WithEngine(name string) *Logger {
	return l.child(l.zlog.With().Str("engine", name))
}

// WithOp returns a logger with operation context
func (l *Logger) WithOp(token uint64, kind string) *Logger {
	return l.child(l.zlog.With().Uint64("token", token).Str("op", kind))
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zlog.With().Err(err))
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return l.zlog.GetLevel() <= zerolog.Level(level)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return LevelInfo, err
	}
	return LogLevel(lvl), nil
}

// emit appends alternating key/value args to e. Common field types go
// through zerolog's typed encoders so disabled levels cost nothing and
// enabled ones avoid reflection.
func emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int32:
			e = e.Int32(key, v)
		case int64:
			e = e.Int64(key, v)
		case uint8:
			e = e.Uint8(key, v)
		case uint16:
			e = e.Uint16(key, v)
		case uint32:
			e = e.Uint32(key, v)
		case uint64:
			e = e.Uint64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Str(key, v.String())
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { emit(l.zlog.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.zlog.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.zlog.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.zlog.Error(), msg, args) }

// Convenience functions for global logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
