package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// server exposes a read-only status API: the Hub never accepts writes
// over HTTP, only over the plan file and the message bus.
type server struct {
	hub *Hub
	srv *http.Server
}

func newServer(h *Hub) *server {
	return &server{hub: h}
}

func (s *server) start(addr string) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)

	s.srv = &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *server) stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	Mode   types.CoordinationMode `json:"mode"`
	Agents []*types.Agent         `json:"agents"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:   s.hub.mode.Mode(),
		Agents: s.hub.reg.List(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEvents streams system and coordination bus messages as
// server-sent events until the client disconnects.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	handler := func(ctx context.Context, msg types.Message) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := r.Context()
	if err := s.hub.bus.Subscribe(ctx, bus.SystemChannel("conflict"), handler); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.hub.bus.Subscribe(ctx, bus.CoordinationChannel("mode_change"), handler); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	<-ctx.Done()
}
