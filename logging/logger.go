package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" onto a
// LogLevel. Unknown values fall back to LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface. Args are slog-style
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// RunLogger wraps slog.Logger adding contextual cloning helpers and domain
// convenience methods. It is cheap to copy via With* methods.
type RunLogger struct {
	logger    *slog.Logger
	level     LogLevel
	context   map[string]any
	component string
	userID    string
	runID     string
	attempt   int
}

// LoggerConfig configures construction of a RunLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, CustomAttrs: map[string]any{}}
}

// NewLogger builds a RunLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *RunLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	ctx := map[string]any{}
	for k, v := range cfg.CustomAttrs {
		ctx[k] = v
	}
	return &RunLogger{logger: slog.New(handler), level: cfg.Level, context: ctx, component: cfg.Component}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *RunLogger) clone() *RunLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *RunLogger) WithContext(key string, value any) *RunLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (factory, emitter, supervisor, ...).
func (l *RunLogger) WithComponent(c string) *RunLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithRun attaches user and run identifiers.
func (l *RunLogger) WithRun(userID, runID string) *RunLogger {
	nl := l.clone()
	nl.userID = userID
	nl.runID = runID
	return nl
}

// WithAttempt attaches the attempt number.
func (l *RunLogger) WithAttempt(n int) *RunLogger {
	nl := l.clone()
	nl.attempt = n
	return nl
}

// Slog exposes the underlying *slog.Logger.
func (l *RunLogger) Slog() *slog.Logger { return l.logger }

func (l *RunLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+4)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.userID != "" {
		attrs = append(attrs, slog.String("user_id", l.userID))
	}
	if l.runID != "" {
		attrs = append(attrs, slog.String("run_id", l.runID))
	}
	if l.attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", l.attempt))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *RunLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(l.buildAttrs()...)
	r.Add(args...)
	_ = l.logger.Handler().Handle(context.Background(), r)
}

// Debug logs at debug level.
func (l *RunLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *RunLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *RunLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *RunLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// LogTransition records a run state change.
func (l *RunLogger) LogTransition(from, to string, reason error) {
	args := []any{"from", from, "to", to}
	if reason != nil {
		args = append(args, "reason", reason.Error())
	}
	if to == "FAILED" {
		l.Warn("run state transition", args...)
		return
	}
	l.Info("run state transition", args...)
}

// LogDelivery records a failed or slow event delivery.
func (l *RunLogger) LogDelivery(eventType string, sequence int64, dur time.Duration, err error) {
	if err == nil {
		l.Debug("event delivered", "event_type", eventType, "sequence", sequence, "duration", dur)
		return
	}
	l.Warn("event delivery failed", "event_type", eventType, "sequence", sequence, "duration", dur, "error", err.Error())
}

// LogInstance records instance construction or destruction.
func (l *RunLogger) LogInstance(op, agentType, instanceID string, dur time.Duration, err error) {
	if err != nil {
		l.Error("agent instance "+op+" failed", "agent_type", agentType, "duration", dur, "error", err.Error())
		return
	}
	l.Debug("agent instance "+op, "agent_type", agentType, "instance_id", instanceID, "duration", dur)
}

// StartTimer returns a closure that logs the elapsed duration when invoked.
func (l *RunLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() { l.Info("operation completed", "operation", op, "duration", time.Since(start)) }
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// With returns a logger that prepends args to every entry. RunLogger and
// SlogAdapter keep their native attributes; other loggers are wrapped.
func With(l Logger, args ...any) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	switch lg := l.(type) {
	case NoOpLogger:
		return lg
	case *SlogAdapter:
		return &SlogAdapter{Logger: lg.Logger.With(args...)}
	case *RunLogger:
		nl := lg.clone()
		for i := 0; i+1 < len(args); i += 2 {
			if k, ok := args[i].(string); ok {
				nl.context[k] = args[i+1]
			}
		}
		return nl
	default:
		return &prefixed{next: l, args: args}
	}
}

type prefixed struct {
	next Logger
	args []any
}

func (p *prefixed) Debug(msg string, args ...any) { p.next.Debug(msg, append(p.args[:len(p.args):len(p.args)], args...)...) }
func (p *prefixed) Info(msg string, args ...any)  { p.next.Info(msg, append(p.args[:len(p.args):len(p.args)], args...)...) }
func (p *prefixed) Warn(msg string, args ...any)  { p.next.Warn(msg, append(p.args[:len(p.args):len(p.args)], args...)...) }
func (p *prefixed) Error(msg string, args ...any) { p.next.Error(msg, append(p.args[:len(p.args):len(p.args)], args...)...) }

// NewSlogLogger creates a new RunLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *RunLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

// ForRun scopes l to one component of one run. A RunLogger keeps its typed
// run fields; other loggers get them as key/value attributes.
func ForRun(l Logger, component, userID, runID string) Logger {
	if rl, ok := l.(*RunLogger); ok {
		return rl.WithComponent(component).WithRun(userID, runID)
	}
	return With(l, "component", component, "user_id", userID, "run_id", runID)
}

// Transition logs a run state change through l.
func Transition(l Logger, from, to string, reason error) {
	if rl, ok := l.(*RunLogger); ok {
		rl.LogTransition(from, to, reason)
		return
	}
	args := []any{"from", from, "to", to}
	if reason != nil {
		args = append(args, "reason", reason.Error())
	}
	if to == "FAILED" {
		l.Warn("run state transition", args...)
		return
	}
	l.Info("run state transition", args...)
}

// Delivery logs the outcome of one event delivery through l.
func Delivery(l Logger, eventType string, sequence int64, dur time.Duration, err error) {
	if rl, ok := l.(*RunLogger); ok {
		rl.LogDelivery(eventType, sequence, dur, err)
		return
	}
	if err == nil {
		l.Debug("event delivered", "event_type", eventType, "sequence", sequence, "duration", dur)
		return
	}
	l.Warn("event delivery failed", "event_type", eventType, "sequence", sequence, "duration", dur, "error", err.Error())
}

// Instance logs instance construction or destruction through l.
func Instance(l Logger, op, agentType, instanceID string, dur time.Duration, err error) {
	if rl, ok := l.(*RunLogger); ok {
		rl.LogInstance(op, agentType, instanceID, dur, err)
		return
	}
	if err != nil {
		l.Error("agent instance "+op+" failed", "agent_type", agentType, "duration", dur, "error", err.Error())
		return
	}
	l.Debug("agent instance "+op, "agent_type", agentType, "instance_id", instanceID, "duration", dur)
}
