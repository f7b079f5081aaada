package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonatara/voicebridge/internal/config"
	"github.com/sonatara/voicebridge/internal/observe"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newInteractiveServer(t *testing.T, cfg config.InteractiveConfig) (*Registry, *httptest.Server) {
	t.Helper()
	reg := NewRegistry("proxy")
	srv := httptest.NewServer(NewInteractive(cfg, reg, testMetrics(t), testLogger()))
	t.Cleanup(srv.Close)
	return reg, srv
}

func newTelephonyServer(t *testing.T, cfg config.TelephonyConfig) (*Registry, *httptest.Server) {
	t.Helper()
	reg := NewRegistry("call")
	srv := httptest.NewServer(NewTelephony(cfg, reg, testMetrics(t), testLogger()))
	t.Cleanup(srv.Close)
	return reg, srv
}

// dial opens a client connection to srv and sends hello as the handshake
// frame unless it is nil.
func dial(t *testing.T, srv *httptest.Server, hello any) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(maxFrameBytes)
	t.Cleanup(func() { _ = ws.CloseNow() })

	if hello != nil {
		writeJSONFrame(t, ws, hello)
	}
	return ws
}

func handshake(clientType string) map[string]any {
	return map[string]any{"client_type": clientType}
}

func writeJSONFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	p, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, p); err != nil {
		t.Fatalf("write text frame: %v", err)
	}
}

func writeBinaryFrame(t *testing.T, ws *websocket.Conn, p []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageBinary, p); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return typ, data
}

func readJSONFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	typ, data := readFrame(t, ws)
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// waitFor polls cond until it holds or the test deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
