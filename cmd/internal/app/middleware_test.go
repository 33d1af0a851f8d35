package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLoggingPassesThrough(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d want=%d", rr.Code, http.StatusTeapot)
	}
	if rr.Body.String() != "short and stout" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestLoggingResponseWriterTracksStatusAndBytes(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.WriteHeader(http.StatusAccepted)
	n, err := lrw.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	if lrw.status != http.StatusAccepted {
		t.Fatalf("status=%d", lrw.status)
	}
	if lrw.bytes != 5 {
		t.Fatalf("bytes=%d", lrw.bytes)
	}
}

// WebSocket upgrades require the wrapped writer to still expose Hijacker.
func TestLoggingResponseWriterPreservesUnwrap(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr}

	if got := lrw.Unwrap(); got != http.ResponseWriter(rr) {
		t.Fatal("Unwrap should return the inner writer")
	}

	// httptest.ResponseRecorder does not implement http.Hijacker; the wrapper
	// must surface that as an error instead of panicking.
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatal("expected hijack error on non-hijackable writer")
	}
}
