package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/hypershard/internal/platform/requestid"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestWrapSetsRequestID(t *testing.T) {
	var seen string
	h := Wrap(discard(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestid.FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get(requestid.Header); got == "" || got != seen {
		t.Fatalf("header=%q context=%q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestid.Header, "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestid.Header); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	h := Wrap(discard(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"request_id"`) {
		t.Fatalf("expected request id in body: %s", rec.Body.String())
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }}
	bad := ReadinessCheck{Name: "bucket", Check: func(context.Context) error { return errors.New("missing") }}

	rec := httptest.NewRecorder()
	ReadyzWithChecks("hxo", ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ReadyzWithChecks("hxo", ok, bad).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"missing"`) {
		t.Fatalf("expected failing check in body: %s", rec.Body.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, discard(), Config{Service: "hxo", Addr: ln.Addr().String(), ShutdownTimeout: time.Second}, ln, Healthz("hxo"))
	}()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("unexpected body %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Addr: ":1"}).Validate(); err == nil {
		t.Fatalf("expected service error")
	}
	if err := (Config{Service: "hxo"}).Validate(); err == nil {
		t.Fatalf("expected addr error")
	}
}
