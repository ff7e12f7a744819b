package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Commit(true)
	m.Causality("gap")
	m.FederationSend("beta", "ok")
	m.ObserveBatchCommit(time.Millisecond, 1, 10)
	m.Integrity("corrupt", 1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Commit(true)
	m.Commit(true)
	m.Commit(false)
	m.Forged("beta")
	m.Integrity("checked", 7)
	m.Integrity("corrupt", 0)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.integrity.WithLabelValues("checked")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forged.WithLabelValues("beta")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chorus_coordinator_commits_total"))
}
