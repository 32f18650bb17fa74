package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ChatServiceName is the health-check service name reported for the chat acceptor.
const ChatServiceName = "roomchat.Chat"

// HealthServer exposes the standard gRPC health service so orchestrators can
// probe whether the chat acceptor is serving. It implements Service.
type HealthServer struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewHealthServer creates a HealthServer that will listen on addr. Every
// service starts NOT_SERVING until SetServing is called.
//
// Precondition: addr must be a valid "host:port"; logger must be non-nil.
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ChatServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		addr:   addr,
		logger: logger,
		grpc:   gs,
		health: hs,
		ready:  make(chan struct{}),
	}
}

// SetServing flips the overall and chat service status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ChatServiceName, status)
	h.logger.Info("health status changed", zap.String("status", status.String()))
}

// ServeWhenReady marks every service SERVING once the health listener and each
// of deps are ready. It blocks until then or until ctx ends.
//
// Postcondition: Returns true after SetServing(true), or false with the status
// unchanged when ctx ended first (for example because a dependency failed to bind).
func (h *HealthServer) ServeWhenReady(ctx context.Context, deps ...<-chan struct{}) bool {
	for _, ch := range append([]<-chan struct{}{h.ready}, deps...) {
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
	h.SetServing(true)
	return true
}

// Start listens and serves gRPC until Stop is called.
//
// Postcondition: Returns nil after a graceful Stop, or the listen/serve error.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()
	close(h.ready)

	h.logger.Info("admin gRPC listening", zap.String("addr", lis.Addr().String()))
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (h *HealthServer) Ready() <-chan struct{} {
	return h.ready
}

// Addr returns the bound listener address, or nil before Start.
func (h *HealthServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the gRPC server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
