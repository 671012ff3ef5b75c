package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestExposedViaHandler(t *testing.T) {
	sink := New()
	sink.RecordRequest("/v1/chat/completions", 200, 0.25)
	sink.RecordTokens("gpt-4o-mini", 10, 5)
	sink.RecordError("POLICY_ERROR")
	sink.SetQueueDepth("global", 3)
	sink.RecordRejection("per_user")
	sink.UploadStarted()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gateway_requests_total{endpoint="/v1/chat/completions",status="2xx"} 1`)
	assert.Contains(t, body, `gateway_tokens_total{kind="prompt",model="gpt-4o-mini"} 10`)
	assert.Contains(t, body, `gateway_errors_total{category="POLICY_ERROR"} 1`)
	assert.Contains(t, body, `gateway_scheduler_queue_depth{limiter="global"} 3`)
	assert.Contains(t, body, `gateway_scheduler_rejections_total{limiter="per_user"} 1`)
	assert.Contains(t, body, `gateway_uploads_active 1`)
}

func TestStatusLabelBuckets(t *testing.T) {
	assert.Equal(t, "2xx", statusLabel(204))
	assert.Equal(t, "4xx", statusLabel(404))
	assert.Equal(t, "5xx", statusLabel(503))
	assert.Equal(t, "unknown", statusLabel(0))
}
