package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares how a process logger is assembled.
type Config struct {
	Level  string   `yaml:"level" env:"LEVEL"`
	Format string   `yaml:"format" env:"FORMAT"`
	Output []string `yaml:"output" env:"OUTPUT" envSeparator:","`
	// Redact lists field keys whose values are replaced with [REDACTED].
	Redact []string `yaml:"redact" env:"REDACT" envSeparator:","`
	// SampleInitial/SampleThereafter enable per-message sampling when Thereafter > 0.
	SampleInitial    int `yaml:"sampleInitial" env:"SAMPLE_INITIAL"`
	SampleThereafter int `yaml:"sampleThereafter" env:"SAMPLE_THEREAFTER"`
}

// ParseLevel maps a textual level to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg. Outputs: "console" (default), "null",
// or a file path prefixed with "file:".
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	opts := []LoggerOption{WithLevel(lvl), WithFormatter(formatter)}
	for _, o := range cfg.Output {
		switch {
		case o == "" || o == "console":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case o == "null":
			opts = append(opts, WithOutput(NullOutput{}))
		case strings.HasPrefix(o, "file:"):
			fo, err := NewFileOutput(strings.TrimPrefix(o, "file:"))
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithOutput(fo))
		default:
			return nil, fmt.Errorf("unknown log output %q", o)
		}
	}
	l := NewLogger(opts...).(*BaseLogger)
	redact, s := cfg.Redact, newSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.wrap = func(h *bridgeHandler) *bridgeHandler {
		return h.withRedactions(redact).withSampler(s)
	}
	l.slogLogger = slog.New(l.handler())
	return l, nil
}
