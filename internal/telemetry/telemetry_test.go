package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	calls := 0
	err := tel.InstrumentDBOperation(context.Background(), "get_download", func(context.Context) error {
		calls++

		return nil
	})
	require.NoError(t, err)

	outcome := tel.InstrumentRun(context.Background(), func(context.Context) string {
		calls++

		return "success"
	})
	assert.Equal(t, "success", outcome)
	assert.Equal(t, 2, calls)

	assert.NotPanics(t, func() {
		tel.IncrementActiveDownloads()
		tel.DecrementActiveDownloads()
		tel.RecordBytes(10)
		tel.RecordTransition("start", "success")
	})
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tel.InstrumentTransition(context.Background(), "pause", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestID(t *testing.T) {
	var seen string

	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagates upstream id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
		req.Header.Set(RequestIDHeader, "upstream-1")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-1", seen)
		assert.Equal(t, "upstream-1", rec.Header().Get(RequestIDHeader))
	})
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := newStatusRecorder(rec)

	sr.WriteHeader(http.StatusConflict)
	sr.WriteHeader(http.StatusOK)
	_, err := sr.Write([]byte("conflict"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, sr.status)
	assert.Equal(t, int64(len("conflict")), sr.bytesWritten)
	assert.Same(t, sr, newStatusRecorder(sr))

	_, _, err = sr.Hijack()
	assert.Error(t, err)
}

func TestRoutePattern(t *testing.T) {
	var pattern string

	r := chi.NewRouter()
	r.Get("/downloads/{key}", func(_ http.ResponseWriter, r *http.Request) {
		pattern = routePattern(r)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/downloads/movie", nil))

	assert.Equal(t, "/downloads/{key}", pattern)
	assert.Equal(t, "unmatched", routePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestGetStatusClass(t *testing.T) {
	cases := map[int]string{
		101: "1xx",
		200: "2xx",
		304: "3xx",
		404: "4xx",
		503: "5xx",
		0:   "unknown",
	}

	for code, want := range cases {
		assert.Equal(t, want, getStatusClass(code), "code %d", code)
	}
}
