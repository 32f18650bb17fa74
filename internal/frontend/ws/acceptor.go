// Package ws accepts websocket chat connections over HTTP and hands each one
// to a SessionHandler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomchat/internal/config"
)

// shutdownTimeout bounds how long Stop waits for in-flight HTTP requests.
const shutdownTimeout = 5 * time.Second

// SessionHandler processes one upgraded websocket connection.
// HandleSession must return promptly once ctx is cancelled.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Acceptor serves the websocket endpoint and dispatches each upgraded
// connection to a SessionHandler. It implements server.Service.
type Acceptor struct {
	cfg      config.WebsocketConfig
	handler  SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	srv   *http.Server
	wg    sync.WaitGroup
	quit  chan struct{}
	ready chan struct{}

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopped  bool
}

// NewAcceptor creates a websocket acceptor with the given configuration.
//
// Precondition: cfg must be valid; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebsocketConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, a.serveWS)
	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return a
}

// originChecker returns nil (gorilla's same-origin check) for an empty list,
// accepts everything for "*", and otherwise requires an exact Origin match.
// Requests without an Origin header come from non-browser clients and are accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ListenAndServe binds the listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()
	close(a.ready)

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Start implements server.Service.
func (a *Acceptor) Start() error { return a.ListenAndServe() }

// serveWS upgrades one request and runs its session to completion.
func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	start := time.Now()
	conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout, a.cfg.MaxMessageBytes)
	defer conn.Close()

	a.logger.Info("client connected", zap.String("remote_addr", conn.RemoteAddr()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel context when quit signal received
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.HandleSession(ctx, conn); err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		a.logger.Info("session ended cleanly",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Stop closes the listener, cancels every live session, and waits for them
// to finish. It is idempotent.
//
// Postcondition: All connections are closed and session goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	a.mu.Unlock()

	close(a.quit)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Ready is closed once the listener is bound.
func (a *Acceptor) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
