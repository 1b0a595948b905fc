package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/events"
)

func TestMetrics_Pipeline(t *testing.T) {
	m := New()

	m.Transition(core.StatusUploading)
	m.Transition(core.StatusUploading)
	m.Transition(core.StatusParsed)
	m.BytesReceived(1024)
	m.BytesReceived(-1)
	m.RowsParsed(3)
	m.Finished(core.StatusParsed, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("uploading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("parsed")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rowsParsed))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pipelines))
}

func TestMetrics_Bus(t *testing.T) {
	m := New()

	m.Subscribed()
	m.Subscribed()
	m.Unsubscribed()
	m.Published("progress")
	m.Dropped(events.PolicyCoalesce)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("coalesce")))
}

func TestMetrics_HandlerExposesLimiter(t *testing.T) {
	m := New()
	limiter := core.NewUploadLimiter(3, time.Second)
	m.WatchLimiter(limiter)

	release, err := limiter.Acquire(t.Context())
	require.NoError(t, err)
	defer release()

	m.ObserveRequest(http.MethodGet, "/files", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "fileparse_pipelines_active 1")
	assert.Contains(t, body, "fileparse_pipelines_max 3")
	assert.Contains(t, body, `fileparse_http_requests_total{method="GET",route="/files",status="200"} 1`)
}

func TestMetrics_InstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
