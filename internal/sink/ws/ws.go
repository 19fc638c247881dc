// Package ws streams alert payloads to WebSocket dashboard clients.
//
// New clients get a replay of the most recent alerts before live traffic.
// Slow clients are dropped rather than allowed to stall the hub.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

const (
	replayLimit     = 100
	clientSendBuf   = 16
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	shutdownTimeout = 5 * time.Second
)

// Config controls the embedded HTTP server.
type Config struct {
	BindAddr string
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Sink struct {
	cfg      Config
	log      logx.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	recent  [][]byte // ring of the last replayLimit payloads
	started time.Time
	sent    uint64
	addr    string
}

func New(cfg Config, log logx.Logger) *Sink {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8090"
	}
	return &Sink{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard is served from anywhere on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

func (s *Sink) Name() string { return "ws" }

// Addr returns the bound listen address once Start is serving. Useful
// when the config asked for port 0.
func (s *Sink) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves the dashboard endpoints until ctx is done.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: s.cfg.BindAddr, Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("websocket dashboard listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		s.closeClients()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handle broadcasts the alert payload and records it for replay.
func (s *Sink) Handle(_ context.Context, e alert.Event) error {
	body, err := alert.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.recent = append(s.recent, body)
	if len(s.recent) > replayLimit {
		s.recent = s.recent[len(s.recent)-replayLimit:]
	}
	s.sent++
	var slow []*client
	for c := range s.clients {
		select {
		case c.send <- body:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()

	for range slow {
		s.log.Warn("dropping slow websocket client")
	}
	return nil
}

func (s *Sink) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendBuf)}

	s.mu.Lock()
	replay := make([][]byte, len(s.recent))
	copy(replay, s.recent)
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c, replay)
	go s.readPump(c)
}

func (s *Sink) writePump(c *client, replay [][]byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for _, msg := range replay {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.drop(c)
			return
		}
	}
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound frames and notices disconnects.
func (s *Sink) readPump(c *client) {
	defer func() {
		s.drop(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Sink) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Sink) closeClients() {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Sink) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	status := map[string]any{
		"service":    "hamclock-alertd",
		"clients":    len(s.clients),
		"alerts":     s.sent,
		"uptime_sec": int(time.Since(s.started).Seconds()),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
