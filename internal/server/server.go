// Package server exposes Prometheus metrics and a websocket event stream over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/groutine"
	"github.com/srg/bgble/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamTypes are the event types a stream client may receive. Expiry and processing events are
// excluded: a subscribed stream would count as an observer that is expected to end the window
// or complete the task, which a remote client cannot do.
var StreamTypes = []events.Type{
	events.TimerFired,
	events.TickReceived,
	events.SessionFinished,
}

// Server serves /metrics, /events and /healthz.
type Server struct {
	bus            *events.Bus
	collector      *metrics.Collector
	logger         *logrus.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader
	httpServer     *http.Server

	// Hijacked websocket conns are invisible to http.Server.Shutdown.
	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	shutdown bool
}

// New creates a server listening on addr. An empty allowedOrigins list accepts any origin.
func New(addr string, bus *events.Bus, collector *metrics.Collector, allowedOrigins []string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		bus:            bus,
		collector:      collector,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		conns:          make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.collector != nil {
		mux.Handle("/metrics", s.collector.Handler())
	}
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// ListenAndServe serves until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every open event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if len(conns) > 0 {
		s.logger.WithField("count", len(conns)).Info("Closed event stream clients")
	}
	return s.httpServer.Shutdown(ctx)
}

// track registers conn for Shutdown. Returns false once the server is shutting down.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Streams returns the number of open event stream clients.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	s.logger.WithField("origin", origin).Warn("WebSocket connection blocked: origin not allowed")
	return false
}

// parseTypes reads ?types=a,b and keeps only stream types. An empty result means all of them.
func parseTypes(raw string) []events.Type {
	if raw == "" {
		return StreamTypes
	}
	var out []events.Type
	for _, name := range strings.Split(raw, ",") {
		for _, t := range StreamTypes {
			if strings.EqualFold(strings.TrimSpace(name), string(t)) {
				out = append(out, t)
			}
		}
	}
	if len(out) == 0 {
		return StreamTypes
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	sub := s.bus.Subscribe(parseTypes(r.URL.Query().Get("types"))...)
	defer sub.Close()

	log := s.logger.WithField("remote", r.RemoteAddr)
	log.Info("Event stream client connected")

	// Reader: handles control frames and notices the client going away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	groutine.Go(r.Context(), s.logger, "event-stream-reader", func(context.Context) {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("Event stream read error")
				}
				return
			}
		}
	})

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info("Event stream client disconnected")
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
