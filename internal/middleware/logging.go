package middleware

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ztmesh/ztmesh/internal/monitoring"
)

var httpLog = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets the NDJSON event stream keep flushing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger assigns each request a correlation id, logs the outcome,
// and feeds the HTTP metrics. The id is echoed in X-Request-ID and placed
// on the context so handlers can tag their own log lines with it.
func RequestLogger(metrics *monitoring.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", reqID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			ctx := context.WithValue(r.Context(), requestIDKey, reqID)
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			route := routeTemplate(r)
			if metrics != nil {
				metrics.RecordHTTPRequest(route, r.Method, rec.status, elapsed.Seconds())
			}
			httpLog.Printf("%s %s -> %d (%s) req=%s ip=%s",
				r.Method, r.URL.Path, rec.status, elapsed.Round(time.Microsecond), reqID, ClientIP(r))
		})
	}
}

// routeTemplate prefers the mux pattern so metrics do not explode into one
// label per node id.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
