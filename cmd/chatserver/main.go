// Package main provides the room chat server. It wires together configuration,
// the room registry, the websocket acceptor, and the admin health endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomchat/internal/chat/dispatch"
	"github.com/cory-johannsen/roomchat/internal/chat/room"
	"github.com/cory-johannsen/roomchat/internal/chat/session"
	"github.com/cory-johannsen/roomchat/internal/config"
	"github.com/cory-johannsen/roomchat/internal/frontend/handlers"
	"github.com/cory-johannsen/roomchat/internal/frontend/ws"
	"github.com/cory-johannsen/roomchat/internal/observability"
	"github.com/cory-johannsen/roomchat/internal/scripting"
	"github.com/cory-johannsen/roomchat/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging, "roomchat")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting room chat server",
		zap.Bool("multi_room", cfg.Chat.MultiRoom),
		zap.Bool("echo_self", cfg.Chat.EchoSelf),
		zap.Int("max_rooms", cfg.Chat.MaxRooms),
	)

	registry := room.NewRegistry(room.Options{
		MaxRooms:  cfg.Chat.MaxRooms,
		MultiRoom: cfg.Chat.MultiRoom,
	})
	sessions := session.NewManager()

	dopts := dispatch.Options{EchoSelf: cfg.Chat.EchoSelf}
	if cfg.Chat.FilterScript != "" {
		filter, err := scripting.LoadFilter(cfg.Chat.FilterScript, cfg.Chat.FilterInstructionLimit, logger)
		if err != nil {
			logger.Fatal("loading message filter", zap.Error(err))
		}
		defer filter.Close()
		dopts.Filter = filter
		logger.Info("message filter loaded", zap.String("script", cfg.Chat.FilterScript))
	}
	dispatcher := dispatch.New(registry, dopts, logger)

	handler := handlers.NewChatHandler(sessions, registry, dispatcher, session.Options{
		BufferSize:        cfg.Chat.SendBuffer,
		MessagesPerSecond: cfg.Chat.RateLimit.MessagesPerSecond,
		Burst:             cfg.Chat.RateLimit.Burst,
	}, cfg.Websocket.PingInterval, logger)
	acceptor := ws.NewAcceptor(cfg.Websocket, handler, logger)
	reaper := room.NewReaper(registry, cfg.Chat.EmptyRoomTTL, cfg.Chat.ReapInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	lifecycle.Add("room-reaper", reaper)

	if cfg.Admin.Enabled {
		health := server.NewHealthServer(cfg.Admin.Addr(), logger)
		lifecycle.Add("admin-grpc", health)
		lifecycle.OnShutdown(func() { health.SetServing(false) })
		go health.ServeWhenReady(ctx, acceptor.Ready())
	}

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("websocket_addr", cfg.Websocket.Addr()),
		zap.String("websocket_path", cfg.Websocket.Path),
	)

	runErr := lifecycle.Run(ctx)
	cancel()
	sessions.CloseAll()
	if runErr != nil {
		logger.Fatal("server error", zap.Error(runErr))
	}
}
