package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonatara/voicebridge/internal/config"
	"github.com/sonatara/voicebridge/internal/observe"
	"github.com/sonatara/voicebridge/internal/server"
)

func newTestServer(t *testing.T, mode config.Mode) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Mode = mode

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := server.New(cfg, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestRoutes_ModeBoth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.ModeBoth)

	for _, path := range []string{"/healthz", "/metrics", "/proxy/status", "/call/status"} {
		if code, _ := get(t, ts.URL+path); code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, code)
		}
	}

	// Without a registered backend the server must not report ready.
	if code, _ := get(t, ts.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", code)
	}
}

func TestRoutes_ModeInteractive(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.ModeInteractive)

	code, body := get(t, ts.URL+"/proxy/status")
	if code != http.StatusOK {
		t.Fatalf("GET /proxy/status = %d, want 200", code)
	}
	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if status["endpoint"] != "proxy" {
		t.Errorf("endpoint = %v, want proxy", status["endpoint"])
	}

	if code, _ := get(t, ts.URL+"/call/status"); code != http.StatusNotFound {
		t.Errorf("GET /call/status = %d, want 404 in interactive mode", code)
	}
}

func TestWebSocketEndpointMounted(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.ModeBoth)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/proxy", nil)
	if err != nil {
		t.Fatalf("dial /proxy: %v", err)
	}
	defer ws.CloseNow()

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"client_type":"frontend"}`)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if msg["type"] != "session_info" {
		t.Errorf("greeting type = %v, want session_info", msg["type"])
	}
}
