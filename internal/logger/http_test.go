package logger

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestHTTPMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, INFO)

	r := chi.NewRouter()
	r.Use(l.HTTPMiddleware)
	r.Get("/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/teapot", "/plain"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := buf.String()
	assert.Contains(t, out, "GET /teapot - 418")
	assert.Contains(t, out, "GET /plain - 200")
}
