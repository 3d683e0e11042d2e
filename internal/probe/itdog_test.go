package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lineopthq/optimizer/pkg/types"
)

func TestTaskToken(t *testing.T) {
	token := taskToken("abc123")
	if len(token) != 16 {
		t.Fatalf("expected 16 char token got %d (%q)", len(token), token)
	}
	if token != taskToken("abc123") {
		t.Fatalf("expected deterministic token")
	}
	if token == taskToken("abc124") {
		t.Fatalf("expected distinct tokens for distinct task IDs")
	}
}

func TestGuardRet(t *testing.T) {
	// guard[12:] = "5" -> val = 5*2+16 = 26, XORed with "abcdefgh"+suffix.
	got := guardRet("abcdefghXXXX5")
	want := guardRet("abcdefghXXXX5")
	if got != want {
		t.Fatalf("expected deterministic guardret")
	}
	if guardRet("abcdefghXXXX5") == guardRet("abcdefghXXXX6") {
		t.Fatalf("expected guardret to depend on the numeric tail")
	}
	// Short cookies fall back to zero.
	if guardRet("short") == "" {
		t.Fatalf("expected non-empty guardret for short cookie")
	}
}

// newItdogFixture wires an HTTP test server and a websocket stream that
// replays the given messages after the task handshake.
func newItdogFixture(t *testing.T, streamMessages []map[string]any) *Itdog {
	t.Helper()

	upgrader := websocket.Upgrader{}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, msg := range streamMessages {
			data, _ := json.Marshal(msg)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(wsServer.Close)
	wssURL := "ws" + strings.TrimPrefix(wsServer.URL, "http")

	webServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprintf(w, "var wss_url='%s';\nvar task_id='task-1';\n", wssURL)
	}))
	t.Cleanup(webServer.Close)

	transport, err := NewItdog(ItdogConfig{BaseURL: webServer.URL, Timeout: 2 * time.Second}, ItdogDependencies{})
	if err != nil {
		t.Fatalf("NewItdog: %v", err)
	}
	return transport
}

func TestItdogProbePing(t *testing.T) {
	transport := newItdogFixture(t, []map[string]any{
		{"result": "0"},
		{"result": "42.5"},
		{"type": "finished"},
	})

	m, err := transport.ProbePing(context.Background(), "1.2.3.4", "1227")
	if err != nil {
		t.Fatalf("ProbePing: %v", err)
	}
	if !m.Available {
		t.Fatalf("expected available measurement")
	}
	if m.LatencyMs != 42.5 {
		t.Fatalf("expected latency 42.5 got %v", m.LatencyMs)
	}
	if m.NodeID != "1227" {
		t.Fatalf("expected node 1227 got %s", m.NodeID)
	}
}

func TestItdogProbePingUnavailable(t *testing.T) {
	transport := newItdogFixture(t, []map[string]any{
		{"result": "0"},
		{"type": "finished"},
	})

	m, err := transport.ProbePing(context.Background(), "1.2.3.4", "1227")
	if err != nil {
		t.Fatalf("ProbePing: %v", err)
	}
	if m.Available {
		t.Fatalf("expected unavailable measurement")
	}
	if m.LossPct != 100 {
		t.Fatalf("expected full loss got %v", m.LossPct)
	}
}

func TestItdogProbeHTTPKeepsBest(t *testing.T) {
	transport := newItdogFixture(t, []map[string]any{
		{"type": "success", "http_code": float64(200), "all_time": 900.0, "connect_time": 120.0},
		{"type": "success", "http_code": float64(200), "all_time": 600.0, "connect_time": 80.0},
		{"type": "success", "http_code": float64(0), "all_time": 10.0, "connect_time": 1.0},
		{"type": "finished"},
	})

	m, err := transport.ProbeHTTP(context.Background(), "1.2.3.4", types.OriginAliyun)
	if err != nil {
		t.Fatalf("ProbeHTTP: %v", err)
	}
	if !m.Available {
		t.Fatalf("expected available http measurement")
	}
	if m.TotalMs != 600 || m.TTFBMs != 80 {
		t.Fatalf("expected best stream result (80, 600) got (%v, %v)", m.TTFBMs, m.TotalMs)
	}
	if m.Origin != types.OriginAliyun {
		t.Fatalf("expected origin preserved, got %s", m.Origin)
	}
}

func TestItdogMissingTaskHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>no task here</html>")
	}))
	defer server.Close()

	transport, err := NewItdog(ItdogConfig{BaseURL: server.URL, Timeout: time.Second}, ItdogDependencies{})
	if err != nil {
		t.Fatalf("NewItdog: %v", err)
	}

	m, err := transport.ProbePing(context.Background(), "1.2.3.4", "1227")
	if err == nil {
		t.Fatalf("expected error for missing task handle")
	}
	if m.Available {
		t.Fatalf("expected failed measurement on error")
	}
}
