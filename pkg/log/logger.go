package log

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// osExit is swapped in tests that exercise Fatal.
var osExit = os.Exit

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a map of field names to values.
type Fields map[string]interface{}

// Well-known field keys.
const (
	RequestIDKey = "request_id"
	ComponentKey = "component"
	ChannelKey   = "channel"
	PeerKey      = "peer"
)

// Entry represents a single log entry.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
	Error     error
}

// Logger is the logging interface every chorus component takes.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal logs, closes outputs and exits the process.
	Fatal(msg string, fields ...Field)

	// With returns a logger that adds fields to every entry.
	With(fields ...Field) Logger
	WithComponent(component string) Logger
	WithError(err error) Logger
	// WithContext adds the fields attached to ctx by NewContext.
	WithContext(ctx context.Context) Logger
}

// Formatter renders an entry.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives every formatted entry.
type Output interface {
	Write(entry *Entry, formattedEntry []byte) error
	Close() error
}

// LoggerOption is a function that configures a logger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements Logger on top of slog.
type BaseLogger struct {
	level      Level
	fields     Fields
	formatter  Formatter
	outputs    []Output
	slogLogger *slog.Logger
	// wrap decorates the bridge handler (redaction, sampling) whenever the
	// slog logger is rebuilt for a derived logger.
	wrap func(*bridgeHandler) *bridgeHandler
}

func (l *BaseLogger) handler() slog.Handler {
	h := newBridgeHandler(l)
	if l.wrap != nil {
		return l.wrap(h)
	}
	return h
}

type ctxFieldsKey struct{}

// NewContext returns a copy of ctx carrying fields in addition to any it
// already carries. Loggers pick them up through WithContext.
func NewContext(ctx context.Context, fields ...Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev := FieldsFrom(ctx)
	all := make([]Field, 0, len(prev)+len(fields))
	all = append(append(all, prev...), fields...)
	return context.WithValue(ctx, ctxFieldsKey{}, all)
}

// FieldsFrom returns the fields attached to ctx by NewContext.
func FieldsFrom(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	fs, _ := ctx.Value(ctxFieldsKey{}).([]Field)
	return fs
}

// NewLogger creates a logger. Without options it logs JSON at info level to
// the console.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		level:     InfoLevel,
		fields:    Fields{},
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(logger)
	}
	if len(logger.outputs) == 0 {
		logger.outputs = append(logger.outputs, &ConsoleOutput{})
	}
	logger.slogLogger = slog.New(logger.handler())
	return logger
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

// WithFormatter sets the log formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output to the logger.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	attrs := attrsFromMap(l.fields)
	attrs = append(attrs, attrsFromFieldSlice(fields)...)
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
	if level == FatalLevel {
		for _, out := range l.outputs {
			_ = out.Close()
		}
		osExit(1)
	}
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }
func (l *BaseLogger) Fatal(msg string, fields ...Field) { l.log(FatalLevel, msg, fields) }

// With returns a derived logger; the receiver is unchanged.
func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	nl := &BaseLogger{
		level:     l.level,
		fields:    make(Fields, len(l.fields)+len(fields)),
		formatter: l.formatter,
		outputs:   l.outputs,
		wrap:      l.wrap,
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for _, f := range fields {
		nl.fields[f.Key] = f.Value
	}
	nl.slogLogger = slog.New(nl.handler())
	return nl
}

func (l *BaseLogger) WithComponent(component string) Logger { return l.With(Component(component)) }

// WithError attaches err under the "error" key; a nil err is ignored.
func (l *BaseLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.With(Err(err))
}

func (l *BaseLogger) WithContext(ctx context.Context) Logger { return l.With(FieldsFrom(ctx)...) }
