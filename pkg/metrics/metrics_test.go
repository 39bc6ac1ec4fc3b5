package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	depth := 3.0
	m := New()
	m.TrackQueue(func() float64 { return depth })
	m.EventApplied("message:new")
	m.EventApplied("message:new")
	m.Gap("message:read")
	m.Send("send", nil)
	m.Send("send", errors.New("503"))
	m.Page(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("message:new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gaps.WithLabelValues("message:read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("send", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("send", "ok")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "chatsync_intake_queue_depth 3"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventApplied("x")
	m.Send("send", nil)
	m.SetConversations(2)
	m.TrackQueue(func() float64 { return 1 })
	assert.Nil(t, m.Registry())
}
