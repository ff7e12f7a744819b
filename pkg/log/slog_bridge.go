package log

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
)

// redacted replaces the value of every redacted key.
const redacted = "[REDACTED]"

// secretKeys are redacted whether or not a Config asks for it; signing key
// material must never reach a log sink.
var secretKeys = []string{"seed", "private_key", "signing_key"}

// bridgeHandler is the slog.Handler behind BaseLogger. It turns slog records
// into Entries and hands them to the logger's formatter and outputs.
type bridgeHandler struct {
	logger  *BaseLogger
	attrs   []slog.Attr
	prefix  string
	redact  map[string]struct{}
	sampler *sampler
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	h := &bridgeHandler{logger: logger, redact: make(map[string]struct{}, len(secretKeys))}
	for _, k := range secretKeys {
		h.redact[k] = struct{}{}
	}
	return h
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.level <= fromSlogLevel(level)
}

func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    make(Fields, len(h.attrs)+r.NumAttrs()),
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	for _, a := range h.attrs {
		h.put(entry, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(entry, a)
		return true
	})
	if h.sampler != nil && !h.sampler.allow(entry) {
		return nil
	}

	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// put stores one attribute, qualified by the handler's group prefix. An
// error value under "error" is lifted into Entry.Error.
func (h *bridgeHandler) put(e *Entry, a slog.Attr) {
	if a.Key == "" {
		return
	}
	if _, ok := h.redact[a.Key]; ok {
		e.Fields[h.prefix+a.Key] = redacted
		return
	}
	v := a.Value.Resolve().Any()
	if err, ok := v.(error); ok && a.Key == "error" && h.prefix == "" {
		e.Error = err
		return
	}
	e.Fields[h.prefix+a.Key] = v
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup qualifies later attribute keys as "group.key".
func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func (h *bridgeHandler) withRedactions(keys []string) *bridgeHandler {
	if len(keys) == 0 {
		return h
	}
	nh := *h
	nh.redact = make(map[string]struct{}, len(h.redact)+len(keys))
	for k := range h.redact {
		nh.redact[k] = struct{}{}
	}
	for _, k := range keys {
		nh.redact[k] = struct{}{}
	}
	return &nh
}

func (h *bridgeHandler) withSampler(s *sampler) *bridgeHandler {
	if s == nil {
		return h
	}
	nh := *h
	nh.sampler = s
	return &nh
}

func callerOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return ""
	}
	return f.File + ":" + strconv.Itoa(f.Line)
}

// sampler lets the first `initial` entries of a kind through, then one in
// every `thereafter`. Entries are keyed by level, component, channel and
// message so a noisy channel does not starve the others. Errors are never
// sampled. One sampler is shared by a logger and everything derived from it.
type sampler struct {
	mu         sync.Mutex
	initial    uint64
	thereafter uint64
	counts     map[string]uint64
}

func newSampler(initial, thereafter int) *sampler {
	if thereafter <= 0 {
		return nil
	}
	return &sampler{
		initial:    uint64(max(initial, 0)),
		thereafter: uint64(max(thereafter, 1)),
		counts:     make(map[string]uint64),
	}
}

func (s *sampler) allow(e *Entry) bool {
	if e.Level >= ErrorLevel {
		return true
	}
	key := e.Level.String() + "|" + fieldString(e.Fields, ComponentKey) + "|" + fieldString(e.Fields, ChannelKey) + "|" + e.Message
	s.mu.Lock()
	n := s.counts[key]
	s.counts[key] = n + 1
	s.mu.Unlock()
	return n < s.initial || (n-s.initial)%s.thereafter == 0
}

func fieldString(f Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

var slogLevels = map[Level]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
	// slog has no fatal level; Fatal exits after logging at error.
	FatalLevel: slog.LevelError,
}

func toSlogLevel(level Level) slog.Level {
	if l, ok := slogLevels[level]; ok {
		return l
	}
	return slog.LevelInfo
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level < slog.LevelInfo:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	}
	return ErrorLevel
}

func attrsFromMap(m Fields) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func attrsFromFieldSlice(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}
