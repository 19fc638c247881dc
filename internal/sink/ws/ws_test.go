package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

func startSink(t *testing.T) (*Sink, context.CancelFunc) {
	t.Helper()
	s := New(Config{BindAddr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s, cancel
}

func dial(t *testing.T, s *Sink) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", s.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) alert.Payload {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var p alert.Payload
	if err := json.Unmarshal(msg, &p); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	return p
}

func TestLiveBroadcast(t *testing.T) {
	s, _ := startSink(t)
	conn := dial(t, s)

	// Give the server a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	e := alert.New(alert.CategoryDxSpot, alert.SeverityNotice, "NEW DX: 14.074 MHz FT8 W1AW by K2ABC", "W1AW", time.Now(), time.Minute)
	if err := s.Handle(context.Background(), e); err != nil {
		t.Fatal(err)
	}

	p := readPayload(t, conn)
	if p.ID != e.ID || p.Type != "dx_spot" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestReplayOnConnect(t *testing.T) {
	s, _ := startSink(t)

	var want []string
	for i := 0; i < 3; i++ {
		e := alert.New(alert.CategoryKpSpike, alert.SeverityWarning, fmt.Sprintf("Kp %d", i), "", time.Now(), time.Minute)
		want = append(want, e.ID)
		if err := s.Handle(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	conn := dial(t, s)
	for i := 0; i < 3; i++ {
		p := readPayload(t, conn)
		if p.ID != want[i] {
			t.Fatalf("replay[%d] = %s, want %s", i, p.ID, want[i])
		}
	}
}

func TestReplayIsBounded(t *testing.T) {
	s, _ := startSink(t)

	for i := 0; i < replayLimit+20; i++ {
		e := alert.New(alert.CategoryKpSpike, alert.SeverityInfo, fmt.Sprintf("n %d", i), "", time.Now(), time.Minute)
		if err := s.Handle(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	s.mu.Lock()
	n := len(s.recent)
	s.mu.Unlock()
	if n != replayLimit {
		t.Fatalf("ring size = %d, want %d", n, replayLimit)
	}
}

func TestStatusPage(t *testing.T) {
	s, _ := startSink(t)

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["service"] != "hamclock-alertd" {
		t.Fatalf("body = %v", body)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	s := New(Config{}, logx.Nop())

	// A client whose send buffer is already full never blocks Handle;
	// it gets cut instead.
	slow := &client{send: make(chan []byte, 1)}
	slow.send <- []byte("stuck")
	s.mu.Lock()
	s.clients[slow] = struct{}{}
	s.mu.Unlock()

	e := alert.New(alert.CategoryKpSpike, alert.SeverityInfo, "flood", "", time.Now(), time.Minute)
	if err := s.Handle(context.Background(), e); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("slow client still registered (%d)", n)
	}
	// Channel must be closed so the write pump exits.
	if _, ok := <-slow.send; !ok {
		t.Fatal("buffered message lost before close")
	}
	if _, ok := <-slow.send; ok {
		t.Fatal("send channel not closed")
	}
}
