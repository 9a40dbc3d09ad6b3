package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", s.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_ReceivesHostMessages(t *testing.T) {
	got := make(chan *Message, 1)
	s := NewServer("", func(msg *Message) { got <- msg })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	conn := dial(t, srv)
	msg, err := NewMessage(MessageTypeRun, "", RunPayload{ScriptPath: "/work/app.py", RequirementsPath: "/work/requirements.txt"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		if m.Type != MessageTypeRun {
			t.Fatalf("type = %s", m.Type)
		}
		var p RunPayload
		if err := m.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.ScriptPath != "/work/app.py" || p.RequirementsPath != "/work/requirements.txt" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestServer_BroadcastReachesEveryHost(t *testing.T) {
	s := NewServer("", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	a, b := dial(t, srv), dial(t, srv)
	waitClients(t, s, 2)

	s.Send(MessageTypeTraceback, "run_1", TracebackPayload{Text: "Traceback (most recent call last):\nValueError: x"})

	for _, conn := range []*websocket.Conn{a, b} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatal(err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		var p TracebackPayload
		if err := msg.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypeTraceback || msg.RunID != "run_1" || !strings.HasSuffix(p.Text, "ValueError: x") {
			t.Errorf("got %+v / %+v", msg, p)
		}
	}
}

func TestServer_DropsDisconnectedHosts(t *testing.T) {
	s := NewServer("", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	conn := dial(t, srv)
	waitClients(t, s, 1)
	conn.Close(websocket.StatusNormalClosure, "bye")
	waitClients(t, s, 0)

	if n := s.Broadcast(&Message{Type: MessageTypeOutput}); n != 0 {
		t.Errorf("Broadcast reached %d hosts, want 0", n)
	}
}

func TestServer_Healthz(t *testing.T) {
	s := NewServer("", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Errorf("Addr() = %s, want the bound port", s.Addr())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMessage_DecodeWithoutPayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeStopAll, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var p StopPayload
	if err := msg.Decode(&p); err == nil {
		t.Error("Decode succeeded on an empty payload")
	}
}
