package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-image-vault/internal/config"
	"github.com/kenneth/secure-image-vault/internal/identity"
	"github.com/kenneth/secure-image-vault/internal/metrics"
)

func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l, &buf
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("test"))
	})
}

func TestLoggingMiddleware_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
		absent []string
	}{
		{format: "default", want: []string{`"method":"GET"`, `"path":"/api/v1/uploads"`, `"status":200`, `"user":"u-1"`}},
		{format: "json", want: []string{`[REDACTED]`, `x-trace`}, absent: []string{"secret-token"}},
		{format: "clf", want: []string{`u-1 [`, `\"GET /api/v1/uploads?page=2 HTTP/1.1\" 200 4`}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			logger, buf := captureLogger()
			cfg := &config.LoggingConfig{AccessLogFormat: tt.format, RedactHeaders: []string{"Authorization"}}
			h := LoggingMiddleware(logger, cfg)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads?page=2", nil)
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("X-Trace", "abc")
			req = req.WithContext(identity.WithUser(req.Context(), &identity.User{ID: "u-1"}))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			out := buf.String()
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestLoggingMiddleware_UploadBytes(t *testing.T) {
	logger, buf := captureLogger()
	h := LoggingMiddleware(logger, &config.LoggingConfig{})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", strings.NewReader(strings.Repeat("x", 2048)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(2048), line["bytes"])
}

func TestResponseWriter(t *testing.T) {
	rw := wrapResponseWriter(httptest.NewRecorder())

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusNotFound, rw.statusCode, "first status wins")

	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), rw.bytesWritten)
}

func TestShouldRedactHeader(t *testing.T) {
	redact := []string{"Authorization", "cookie"}
	assert.True(t, shouldRedactHeader("authorization", redact))
	assert.True(t, shouldRedactHeader("Cookie", redact))
	assert.False(t, shouldRedactHeader("content-type", redact))
	assert.False(t, shouldRedactHeader("authorization", nil))
}

func TestMetricsMiddleware_RouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	r := mux.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Handle("/api/v1/images/{id}/view", okHandler())

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/images/"+id+"/view", nil))
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		require.Len(t, mf.GetMetric(), 1, "ids must collapse into one series")
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			if lp.GetName() == "path" {
				assert.Equal(t, "/api/v1/images/{id}/view", lp.GetValue())
			}
		}
		assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
		found = true
	}
	assert.True(t, found)
}
