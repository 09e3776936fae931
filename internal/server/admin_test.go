package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/auth"
	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/testutil/testlog"
)

type fakeSession struct {
	ready   bool
	pending []session.PendingSnapshot
}

func (f *fakeSession) ID() string { return "sess-1" }
func (f *fakeSession) Ready() bool { return f.ready }
func (f *fakeSession) Pending() []session.PendingSnapshot { return f.pending }

func newAdmin(t *testing.T, sess SessionView, origins []string) *Admin {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New("bridge-test", "127.0.0.1:0", origins, sess, zerolog.Nop())
}

func get(t *testing.T, a *Admin, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.HTTPRouter().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndNodeIdentity(t *testing.T) {
	testlog.Start(t)
	a := newAdmin(t, &fakeSession{ready: true}, nil)
	rec := get(t, a, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session"] != "sess-1" || body["bridge"] != "bridge-test" || body["kind"] != "bacbridge" {
		t.Fatalf("unexpected health body %v", body)
	}
	if a.NodeID() != "bridge-test" || a.Kind() != "bacbridge" {
		t.Fatalf("unexpected node identity %s/%s", a.NodeID(), a.Kind())
	}
}

func TestReadyReflectsSession(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{ready: true}
	a := newAdmin(t, sess, nil)
	if rec := get(t, a, "/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected ready 200, got %d", rec.Code)
	}
	sess.ready = false
	if rec := get(t, a, "/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", rec.Code)
	}
}

func TestPendingListsSnapshots(t *testing.T) {
	testlog.Start(t)
	invoke := uint8(4)
	now := time.Now()
	sess := &fakeSession{ready: true, pending: []session.PendingSnapshot{
		{TrackingID: 1, Operation: "read-property", State: "awaiting-ack", InvokeID: &invoke, CreatedAt: now, Deadline: now.Add(time.Second)},
		{TrackingID: 2, Operation: "read-range", State: "awaiting-invoke-id", CreatedAt: now, Deadline: now.Add(time.Second)},
	}}
	a := newAdmin(t, sess, nil)
	rec := get(t, a, "/pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count   int                       `json:"count"`
		Pending []session.PendingSnapshot `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Pending) != 2 {
		t.Fatalf("expected 2 pending, got %+v", body)
	}
	if body.Pending[0].InvokeID == nil || *body.Pending[0].InvokeID != 4 || body.Pending[1].InvokeID != nil {
		t.Fatalf("unexpected invoke ids %+v", body.Pending)
	}
}

func TestMetricsExposed(t *testing.T) {
	testlog.Start(t)
	a := newAdmin(t, &fakeSession{ready: true}, nil)
	_ = get(t, a, "/health", nil)
	rec := get(t, a, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bacbridge_http_requests_total") {
		t.Fatalf("expected http request metric in exposition")
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	testlog.Start(t)
	a := newAdmin(t, &fakeSession{ready: true}, []string{"http://localhost:3000"})
	rec := get(t, a, "/health", http.Header{"Origin": {"http://localhost:3000"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
	rec = get(t, a, "/health", http.Header{"Origin": {"http://evil.example"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	a := newAdmin(t, &fakeSession{ready: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestTokenGuardsPendingAndMetrics(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	a := New("bridge-test", "127.0.0.1:0", nil, &fakeSession{ready: true}, zerolog.Nop(), WithAuth(auth.StaticToken{Token: "s3cret"}))
	if rec := get(t, a, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected open health, got %d", rec.Code)
	}
	if rec := get(t, a, "/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected open ready, got %d", rec.Code)
	}
	for _, path := range []string{"/pending", "/metrics"} {
		if rec := get(t, a, path, nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
		rec := get(t, a, path, http.Header{"Authorization": {"Bearer s3cret"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 with token, got %d", path, rec.Code)
		}
	}
}
