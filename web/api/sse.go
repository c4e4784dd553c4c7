package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ammonwk/truffles/internal/domain"
)

// SSEHub manages SSE connections. Slow clients are dropped rather than
// allowed to back-pressure the orchestrator.
type SSEHub struct {
	clients    map[chan domain.Event]bool
	broadcast  chan domain.Event
	register   chan chan domain.Event
	unregister chan chan domain.Event
	stop       chan struct{}
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan domain.Event]bool),
		broadcast:  make(chan domain.Event, 256),
		register:   make(chan chan domain.Event),
		unregister: make(chan chan domain.Event),
		stop:       make(chan struct{}),
	}
}

// Run starts the SSE hub loop
func (h *SSEHub) Run() {
	for {
		select {
		case <-h.stop:
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast sends an event to all clients. Events are dropped when the
// hub's buffer is full.
func (h *SSEHub) Broadcast(event domain.Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// Stop shuts down the hub and disconnects all clients
func (h *SSEHub) Stop() {
	close(h.stop)
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := make(chan domain.Event, 64)
		s.sseHub.register <- client

		notify := r.Context().Done()
		go func() {
			<-notify
			select {
			case s.sseHub.unregister <- client:
			case <-s.sseHub.stop:
			}
		}()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		for event := range client {
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
