package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/octscan/internal/monitoring"
)

const (
	colorCyan      = "\033[36m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
	colorReset     = "\033[0m"
)

var logHTTP = monitoring.Tagged("http")

// statusRecorder remembers the status and body size a handler produced.
// Flush is forwarded so the event stream still works behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func colorStatus(code int) string {
	color := ""
	switch {
	case code >= 400:
		color = colorBoldRed
	case code >= 300:
		color = colorYellow
	case code >= 200:
		color = colorBoldGreen
	default:
		return strconv.Itoa(code)
	}
	return color + strconv.Itoa(code) + colorReset
}

// LoggingMiddleware logs one line per request with status, method, URI,
// response size and duration. Event streams are logged when they close.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		logHTTP("[%s] %s %s%s%s %dB %.1fms",
			colorStatus(sr.status), r.Method,
			colorCyan, r.RequestURI, colorReset,
			sr.bytes, float64(time.Since(start).Microseconds())/1e3)
	})
}
