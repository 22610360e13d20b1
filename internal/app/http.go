package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPService runs the public API under the supervisor.
type HTTPService struct {
	addr    string
	handler http.Handler

	// bound receives the listener address once serving; used by tests on ":0".
	bound chan string
}

func NewHTTPService(addr string, handler http.Handler) *HTTPService {
	return &HTTPService{addr: addr, handler: handler, bound: make(chan string, 1)}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	select {
	case s.bound <- ln.Addr().String():
	default:
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *HTTPService) String() string { return "http-api" }

// Addr blocks until the server listens and returns its address.
func (s *HTTPService) Addr(ctx context.Context) (string, error) {
	select {
	case a := <-s.bound:
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
