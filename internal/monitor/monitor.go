// Package monitor implements an optional, read-only debug endpoint: every
// decoded backend event line and every SIGHUP notice is fanned out over a
// websocket to whoever is watching. It never accepts commands and never touches the registry.
package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Server fans event lines out to connected monitor clients.
type Server struct {
	log *slog.Logger
	mu  sync.Mutex
	subs map[chan string]struct{}

	httpServer *http.Server
}

// New builds a monitor Server bound to addr (e.g. ":8765"). It does not
// start listening until Serve is called.
func New(addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{log: log, subs: make(map[chan string]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Publish fans line out to every currently connected client. A client
// whose buffer is full misses that line (it stays connected) rather than
// being allowed to block the publisher (the broadcast path they're tapping off of is latency
// sensitive).
func (s *Server) Publish(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- line:
		default:
			s.log.Warn("monitor client too slow, dropping event")
		}
	}
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.httpServer.Addr == "" {
		<-ctx.Done()
		return nil
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("monitor accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ch := make(chan string, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case line := <-ch:
			if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}
