package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(InfoLevel), WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Debug("hidden")
	l.With(Component("dispatch"), Channel("general")).Info("delivered", Int("n", 3))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "delivered")
	assert.Contains(t, out, "component=dispatch")
	assert.Contains(t, out, "channel=general")
	assert.Contains(t, out, "n=3")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(DebugLevel), WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.WithComponent("federation").Warn("peer degraded", Peer("b.example"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	assert.Equal(t, "WARN", m["level"])
	assert.Equal(t, "peer degraded", m["msg"])
	assert.Equal(t, "b.example", m["peer"])
	assert.Equal(t, "federation", m["component"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestApplyConfigRedacts(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "info", Format: "text", Output: []string{"null"}, Redact: []string{"secret"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	bl := l.(*BaseLogger)
	bl.outputs = []Output{NewWriterOutput(&buf)}
	bl.With(Str("secret", "hunter2")).Info("login")
	assert.True(t, strings.Contains(buf.String(), "[REDACTED]"), buf.String())
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestApplyConfigRejectsUnknownFormat(t *testing.T) {
	_, err := ApplyConfig(&Config{Format: "xml"})
	assert.Error(t, err)
}

func TestSigningKeyMaterialAlwaysRedacted(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Info("key loaded", Str("seed", "c2VjcmV0"), Str("path", "/var/lib/chorus/signing.key"))
	assert.NotContains(t, buf.String(), "c2VjcmV0")
	assert.Contains(t, buf.String(), "seed=[REDACTED]")
	assert.Contains(t, buf.String(), "path=/var/lib/chorus/signing.key")
}

func TestSlogGroupsQualifyKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.(*BaseLogger).slogLogger.WithGroup("http").Info("served", "status", 200)
	assert.Contains(t, buf.String(), "http.status=200")
}

func TestSamplingIsPerChannel(t *testing.T) {
	l, err := ApplyConfig(&Config{Output: []string{"null"}, SampleInitial: 1, SampleThereafter: 100})
	require.NoError(t, err)
	var buf bytes.Buffer
	l.(*BaseLogger).outputs = []Output{NewWriterOutput(&buf)}

	for i := 0; i < 3; i++ {
		// Derived loggers share the counts.
		l.With(Str("conn", "c")).Info("stream dropped", Channel("general"))
	}
	l.Info("stream dropped", Channel("random"))
	l.Error("stream dropped", Channel("general"))

	out := buf.String()
	// general: the first entry plus the first of the next hundred.
	assert.Equal(t, 2, strings.Count(out, "INFO  stream dropped channel=general"), out)
	assert.Equal(t, 1, strings.Count(out, "channel=random"), out)
	assert.Equal(t, 1, strings.Count(out, "ERROR"), out)
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))

	ctx := NewContext(context.Background(), Str(RequestIDKey, "req-1"))
	ctx = NewContext(ctx, Channel("general"))
	assert.Len(t, FieldsFrom(ctx), 2)
	assert.Empty(t, FieldsFrom(context.Background()))

	l.WithContext(ctx).Info("served")
	assert.Contains(t, buf.String(), "request_id=req-1")
	assert.Contains(t, buf.String(), "channel=general")
}

func TestWithErrorAndDerivedLoggersAreIndependent(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	base.WithError(errors.New("boom")).Warn("retry")
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "error=boom")
	assert.NotContains(t, lines[1], "error")
	assert.Same(t, base, base.WithError(nil))
}
