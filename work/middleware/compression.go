package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"streamfox/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool reuses gzip writers across responses. Writers are created at
// BestSpeed: the admin API serves small JSON payloads where throughput matters
// more than ratio.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter wraps an http.ResponseWriter with a gzip-compressing
// io.Writer so downstream handlers write plaintext and the client receives
// compressed bytes. Header write state is tracked so the default 200 is only
// emitted once.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush drains the gzip buffer and then the underlying writer, so incremental
// responses reach the client without waiting for connection close.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Gzip is router middleware adding transparent gzip response compression for
// clients that advertise it in Accept-Encoding. Clients that don't get the
// response unmodified. The pooled writer is always closed and returned, even
// when the downstream handler panics.
func Gzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		// Compressed size is unknown up front, so any Content-Length set by
		// upstream must go.
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("[HTTP] failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next.ServeHTTP(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

// GzipFunc is the http.HandlerFunc form of Gzip for wrapping individual
// handlers.
func GzipFunc(next http.HandlerFunc) http.HandlerFunc {
	return Gzip(next).ServeHTTP
}
