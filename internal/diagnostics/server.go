// Package diagnostics exposes the supervisor's event bus to external
// tooling (the status/doctor CLI collaborator) over HTTP and a websocket
// bridge: health, recent event history, and a live event stream. Task and
// session mutation stay out of this surface — those belong to the
// in-container agent loop, not the core.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/protocol"
)

// History is the read-only subset of *bus.Bus the diagnostics server needs.
type History interface {
	Subscribe(prefix string, handler bus.Subscriber) func()
	Dropped() int64
}

// Server serves health, event-history, and live-event-stream endpoints
// over HTTP for the status/doctor CLI collaborator.
type Server struct {
	httpServer *http.Server
	bus        History
	ring       *ringBuffer
	unsubscribe func()
}

// NewServer builds a diagnostics HTTP server bound to host:port. capacity
// bounds the in-memory recent-event ring buffer exposed via /api/events.
func NewServer(b History, host string, port, capacity int) *Server {
	ring := newRingBuffer(capacity)

	s := &Server{bus: b, ring: ring}
	s.unsubscribe = b.Subscribe("", ring.add)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/events/stream", s.handleEventStream)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Start listens and serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server and the bus subscription.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"bus_dropped": s.bus.Dropped(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ring.recent(limit))
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ch := make(chan protocol.EventEnvelope, 64)
	unsubscribe := s.bus.Subscribe("", func(e protocol.EventEnvelope) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
