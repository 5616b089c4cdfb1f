package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/metrics"
	"github.com/SteelMorgan/fail2ban-digest/internal/scheduler"
)

type staticStatus scheduler.Status

func (s staticStatus) Status() scheduler.Status { return scheduler.Status(s) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name     string
		status   scheduler.Status
		wantCode int
	}{
		{"healthy", scheduler.Status{}, http.StatusOK},
		{"collect failing", scheduler.Status{LastCollectError: "log source unavailable"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", staticStatus(tt.status), nil)
			rec := get(t, s.Handler(), "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestServer_Status(t *testing.T) {
	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewServer(":0", staticStatus{CachedEvents: 7, AccumulatedSince: since, LastResult: "sent"}, nil)

	rec := get(t, s.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["cached_events"] != float64(7) || body["last_result"] != "sent" {
		t.Errorf("body = %v", body)
	}
	if body["accumulated_since"] != "2024-05-01T10:00:00Z" {
		t.Errorf("accumulated_since = %v", body["accumulated_since"])
	}
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.SetCached(3)
	s := NewServer(":0", staticStatus{}, m.Handler())

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fail2ban_digest_cached_events 3") {
		t.Error("cached events gauge missing from /metrics")
	}

	if rec := get(t, NewServer(":0", staticStatus{}, nil).Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler: code = %d", rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	// reserve a free port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := NewServer(addr, staticStatus{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server not reachable: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
