package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Status WebSocket
// ============================================================================
//
// Dashboards connect to status.path and receive JSON text frames
// {type, ts, data}:
//   - "state_init" once, carrying the full StatusSnapshot
//   - "state_changed" per published batch, carrying topic -> payload
//
// Subscribers that cannot keep up are dropped rather than slowing the
// daemon loop.
//
// ============================================================================

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// wsStateChanged is the data of a "state_changed" frame.
type wsStateChanged struct {
	Changes map[string]string `json:"changes"`
}

func marshalEnvelope(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

const (
	defaultSubscriberBuffer = 32

	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 20 * time.Second
)

// Hub fans published frames out to the connected subscribers.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub returns a hub whose subscribers queue up to buffer frames.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is done and then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish queues msg for every subscriber without blocking. Subscribers
// with a full queue are disconnected.
func (h *Hub) Publish(msg []byte) {
	var slow []*subscriber

	h.mu.Lock()
	for s := range h.subs {
		select {
		case s.out <- msg:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(h.subs, s)
	}
	h.mu.Unlock()

	for _, s := range slow {
		s.close()
		h.logger.Info("ws subscriber dropped", "remote_addr", s.remoteAddr, "reason", "slow")
	}
}

// join adds s unless the hub has shut down.
func (h *Hub) join(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	h.logger.Info("ws subscriber joined", "remote_addr", s.remoteAddr, "clients", len(h.subs))
	return true
}

func (h *Hub) leave(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	s.close()
	if ok {
		h.logger.Info("ws subscriber left", "remote_addr", s.remoteAddr, "clients", n)
	}
}

// subscriber is one status WebSocket connection. out is only ever sent to
// under the hub mutex and closed once, after removal from the hub.
type subscriber struct {
	conn       *websocket.Conn
	out        chan []byte
	remoteAddr string
	closeOnce  sync.Once
}

func newSubscriber(conn *websocket.Conn, remoteAddr string, buffer int) *subscriber {
	return &subscriber{conn: conn, out: make(chan []byte, buffer), remoteAddr: remoteAddr}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.out)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// writeLoop drains out and keeps the connection alive with pings.
func (s *subscriber) writeLoop(logger *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case msg, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err = s.conn.WriteMessage(websocket.TextMessage, msg)
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = s.conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			logWSExit(logger, s.remoteAddr, "write", err)
			return
		}
	}
}

// readLoop only services control frames; it returns when the peer goes away.
func (s *subscriber) readLoop(h *Hub, logger *slog.Logger) {
	defer h.leave(s)

	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			logWSExit(logger, s.remoteAddr, "read", err)
			return
		}
	}
}

func logWSExit(logger *slog.Logger, remoteAddr, loop string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		logger.Debug("ws "+loop+" loop closed", "remote_addr", remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	logger.Debug("ws "+loop+" loop exiting", "remote_addr", remoteAddr, "error", err)
}

// ============================================================================
// HTTP wiring
// ============================================================================

// StatusServer serves the status WebSocket and GET /status.
type StatusServer struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot func() StatusSnapshot
	upgrader websocket.Upgrader
}

func NewStatusServer(logger *slog.Logger, snapshot func() StatusSnapshot, buffer int) *StatusServer {
	return &StatusServer{
		logger:   logger,
		hub:      NewHub(logger, buffer),
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			// Local dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *StatusServer) Hub() *Hub { return s.hub }

// Register installs the handlers on mux.
func (s *StatusServer) Register(mux *http.ServeMux, wsPath string) {
	mux.HandleFunc("GET "+wsPath, s.handleStateWS)
	mux.HandleFunc("GET /status", s.handleStatus)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}

func (s *StatusServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	first, err := marshalEnvelope("state_init", s.snapshot())
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		_ = conn.Close()
		return
	}

	sub := newSubscriber(conn, r.RemoteAddr, s.hub.buffer)
	// Queued before joining so it precedes any state_changed frame.
	sub.out <- first
	if !s.hub.join(sub) {
		sub.close()
		return
	}

	go sub.writeLoop(s.logger)
	go sub.readLoop(s.hub, s.logger)
}

// wsPublisher turns published batches into state_changed frames.
type wsPublisher struct {
	hub    *Hub
	logger *slog.Logger
}

func (p wsPublisher) PublishChanges(changes []Change) {
	if len(changes) == 0 {
		return
	}
	data := wsStateChanged{Changes: make(map[string]string, len(changes))}
	for _, c := range changes {
		data.Changes[c.Topic] = c.Value
	}
	msg, err := marshalEnvelope("state_changed", data)
	if err != nil {
		p.logger.Warn("ws state_changed marshal failed", "error", err)
		return
	}
	p.hub.Publish(msg)
}

// runStatusServer serves HTTP until ctx is canceled, then shuts down
// gracefully.
func runStatusServer(ctx context.Context, listen string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	logger.Info("status server listening", "addr", listen)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return <-errCh
}
