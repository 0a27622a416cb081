package ws

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/courier/telemetry"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func pushServer(h *PushHub, agent string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, agent)
	}))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestPushHub_NotifyWithoutObserversIsNoop(t *testing.T) {
	h := NewPushHub(nil, nil)
	if h.Connected("sales") {
		t.Error("Connected with no observers")
	}
	if err := h.Notify(context.Background(), "sales", "hello"); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestPushHub_DeliversToEveryObserver(t *testing.T) {
	h := NewPushHub(nil, nil)
	srv := pushServer(h, "sales")
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitFor(t, "two observers", func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.conns["sales"]) == 2
	})

	if err := h.Notify(context.Background(), "sales", "quote ready"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		if got := readText(t, c); got != "quote ready" {
			t.Errorf("received %q, want %q", got, "quote ready")
		}
	}
	if h.Connected("billing") {
		t.Error("billing reported connected")
	}
}

func TestPushHub_DisconnectCleansUp(t *testing.T) {
	h := NewPushHub(nil, nil)
	srv := pushServer(h, "sales")
	defer srv.Close()

	c := dial(t, srv)
	waitFor(t, "observer", func() bool { return h.Connected("sales") })
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "cleanup", func() bool { return !h.Connected("sales") })
}

func TestPushHub_Inbound(t *testing.T) {
	var mu sync.Mutex
	var got []string
	h := NewPushHub(func(_ context.Context, agent, text string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, agent+":"+text)
		if text == "bad" {
			return errors.New("rejected")
		}
		return nil
	}, nil)
	srv := pushServer(h, "sales")
	defer srv.Close()

	c := dial(t, srv)
	for _, msg := range []string{"need a quote", "bad"} {
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}

	if reply := readText(t, c); reply != "error: rejected" {
		t.Errorf("reply = %q, want %q", reply, "error: rejected")
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"sales:need a quote", "sales:bad"}; !slices.Equal(got, want) {
		t.Errorf("inbound = %v, want %v", got, want)
	}
}

func TestEventHub_StreamsTelemetry(t *testing.T) {
	h := NewEventHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "data: {\"type\":\"connected\"}\n" {
		t.Errorf("first line = %q", line)
	}

	waitFor(t, "subscriber", func() bool { return h.Clients() == 1 })
	telemetry.Emit(context.Background(), h, telemetry.Event{Type: telemetry.MessageSent, AgentID: "sales", MessageID: "m1"})

	for {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: {") && strings.Contains(line, "m1") {
			break
		}
	}
	for _, want := range []string{`"message_sent"`, `"sales"`} {
		if !strings.Contains(line, want) {
			t.Errorf("event %q missing %s", line, want)
		}
	}
}
