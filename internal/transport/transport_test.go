package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, baseURL string) *Transport {
	t.Helper()
	return New(Config{
		BaseURL:           baseURL,
		JSONTimeout:       2 * time.Second,
		MultipartTimeout:  2 * time.Second,
		MaxRetries:        2,
		BaseDelay:         1 * time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		RetryableStatuses: []int{429, 500, 502, 503, 504},
		UpstreamAPIKey:    "sk-test",
	}, nil, nil)
}

func TestJSONReturnsSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	resp, err := tr.JSON(context.Background(), Request{Method: http.MethodPost, Path: "/v1/chat/completions", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestJSONRetriesRetryableStatusThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	resp, err := tr.JSON(context.Background(), Request{Method: http.MethodPost, Path: "/v1/chat/completions", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestJSONPassesThroughExhaustedRetryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	resp, err := tr.JSON(context.Background(), Request{Method: http.MethodPost, Path: "/v1/chat/completions", Body: []byte(`{}`)})
	require.NoError(t, err, "exhausted retries on an upstream status pass the response through, not an error")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestJSONDoesNotRetryNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	resp, err := tr.JSON(context.Background(), Request{Method: http.MethodPost, Path: "/v1/chat/completions", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestIdempotencyKeyReusedAcrossRetries(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	_, err := tr.JSON(context.Background(), Request{Method: http.MethodPost, Path: "/v1/chat/completions", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestStreamingReturnsBodyUnbuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: chunk1\n\n"))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	resp, err := tr.Streaming(context.Background(), Request{Method: http.MethodPost, Path: "/v1/chat/completions", Body: []byte(`{"stream":true}`)})
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: chunk1\n\n", string(data))
}

func TestRetryableClassification(t *testing.T) {
	tr := newTestTransport(t, "http://example.invalid")
	assert.True(t, tr.retryable(&UpstreamStatusError{Status: 503}))
	assert.False(t, tr.retryable(&UpstreamStatusError{Status: 400}))
}
