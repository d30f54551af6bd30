package peerhub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestRegistrationViaClientIDKey(t *testing.T) {
	h, url := startTestHub(t)
	conn := dial(t, url)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"client_id":"vision"}`))

	waitFor(t, func() bool { return h.Connected("vision") })
	if !h.IsJustConnected("vision") {
		t.Fatalf("expected just-connected edge on first observation")
	}
	if h.IsJustConnected("vision") {
		t.Fatalf("just-connected edge should clear after one read")
	}
}

func TestRegistrationFallsBackThroughKeysThenPlainText(t *testing.T) {
	h, url := startTestHub(t)

	c1 := dial(t, url)
	c1.WriteMessage(websocket.TextMessage, []byte(`{"name":"app"}`))
	waitFor(t, func() bool { return h.Connected("app") })

	c2 := dial(t, url)
	c2.WriteMessage(websocket.TextMessage, []byte(`{"client":"terminal"}`))
	waitFor(t, func() bool { return h.Connected("terminal") })

	c3 := dial(t, url)
	c3.WriteMessage(websocket.TextMessage, []byte(`legacy-peer`))
	waitFor(t, func() bool { return h.Connected("legacy-peer") })
}

func TestGetCommandIsDestructive(t *testing.T) {
	h, url := startTestHub(t)
	conn := dial(t, url)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"client_id":"app"}`))
	waitFor(t, func() bool { return h.Connected("app") })

	conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"container_dump"}`))
	waitFor(t, func() bool {
		_, ok := h.GetState("app")
		return ok
	})

	msg, ok := h.GetCommand("app")
	if !ok {
		t.Fatalf("expected a command")
	}
	var decoded struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(msg, &decoded); err != nil || decoded.Action != "container_dump" {
		t.Fatalf("unexpected command payload: %s (%v)", msg, err)
	}

	if _, ok := h.GetCommand("app"); ok {
		t.Fatalf("second GetCommand with no new message should be empty")
	}
}

func TestGetStateIsNonDestructive(t *testing.T) {
	h, url := startTestHub(t)
	conn := dial(t, url)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"client_id":"sensor"}`))
	waitFor(t, func() bool { return h.Connected("sensor") })

	conn.WriteMessage(websocket.TextMessage, []byte(`{"level":42}`))
	waitFor(t, func() bool {
		_, ok := h.GetState("sensor")
		return ok
	})

	for i := 0; i < 3; i++ {
		if _, ok := h.GetState("sensor"); !ok {
			t.Fatalf("GetState should remain readable across repeated calls")
		}
	}
}

func TestReconnectEvictsPriorSocket(t *testing.T) {
	h, url := startTestHub(t)
	first := dial(t, url)
	first.WriteMessage(websocket.TextMessage, []byte(`{"client_id":"app"}`))
	waitFor(t, func() bool { return h.Connected("app") })

	second := dial(t, url)
	second.WriteMessage(websocket.TextMessage, []byte(`{"client_id":"app"}`))
	waitFor(t, func() bool { return h.Connected("app") })

	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected prior socket to be closed on re-registration")
	}
}
