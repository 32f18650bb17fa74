// Package handlers provides websocket session handling for the chat server.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomchat/internal/chat/dispatch"
	"github.com/cory-johannsen/roomchat/internal/chat/protocol"
	"github.com/cory-johannsen/roomchat/internal/chat/room"
	"github.com/cory-johannsen/roomchat/internal/chat/session"
	"github.com/cory-johannsen/roomchat/internal/frontend/ws"
	"github.com/cory-johannsen/roomchat/internal/observability"
)

// ChatHandler implements ws.SessionHandler. It binds each connection to a
// Session, feeds inbound frames to the Dispatcher, and drains the Session's
// outbound queue back to the socket.
type ChatHandler struct {
	sessions     *session.Manager
	registry     *room.Registry
	dispatcher   *dispatch.Dispatcher
	opts         session.Options
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewChatHandler creates a ChatHandler.
//
// Precondition: sessions, registry, dispatcher, and logger must be non-nil.
// Postcondition: Returns a ChatHandler ready to handle sessions. A
// pingInterval of zero disables keepalive pings.
func NewChatHandler(
	sessions *session.Manager,
	registry *room.Registry,
	dispatcher *dispatch.Dispatcher,
	opts session.Options,
	pingInterval time.Duration,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		sessions:     sessions,
		registry:     registry,
		dispatcher:   dispatcher,
		opts:         opts,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// HandleSession runs one client connection to completion.
//
// Precondition: conn must be open.
// Postcondition: The session is closed, released from every room, and
// unregistered; the writer goroutine has exited. Returns nil when the peer
// closed normally or ctx was cancelled.
func (h *ChatHandler) HandleSession(ctx context.Context, conn *ws.Conn) error {
	start := time.Now()
	id := uuid.NewString()
	logger := observability.ForSession(h.logger, id, conn.RemoteAddr())

	sess := session.New(id, h.opts, func(s *session.Session) {
		h.registry.Release(s)
	})
	if err := h.sessions.Add(sess); err != nil {
		sess.Close()
		return fmt.Errorf("registering session: %w", err)
	}
	defer func() {
		sess.Close()
		_ = h.sessions.Remove(id)
		logger.Info("session closed",
			zap.Uint64("dropped", sess.Dropped()),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	_ = sess.Send(protocol.MustEncode(protocol.ConnectedEvent, protocol.Connected{SessionID: id}))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sess, logger)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	err := h.readLoop(ctx, conn, sess)

	// Closing the session closes its outbound queue, which ends the writer.
	sess.Close()
	<-writerDone
	_ = conn.CloseWithReason(websocket.CloseNormalClosure, "")
	return err
}

// readLoop processes inbound frames sequentially until the connection fails.
func (h *ChatHandler) readLoop(ctx context.Context, conn *ws.Conn, sess *session.Session) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ws.IsNormalClose(err) || ctx.Err() != nil || sess.IsClosed() {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if mt != websocket.TextMessage {
			_ = sess.Send(protocol.EncodeError(
				protocol.Errorf(protocol.CodeInvalidArgument, "only text frames are accepted"),
			))
			continue
		}
		h.dispatcher.Dispatch(sess, data)
	}
}

// writeLoop drains sess's outbound queue to conn and sends keepalive pings.
//
// Postcondition: Returns once the outbound queue is closed or a write fails.
// A failed write closes conn so the reader unblocks.
func (h *ChatHandler) writeLoop(conn *ws.Conn, sess *session.Session, logger *zap.Logger) {
	var tick <-chan time.Time
	if h.pingInterval > 0 {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	out := sess.Outbound()
	for {
		select {
		case frame, ok := <-out:
			if !ok {
				return
			}
			if err := conn.WriteText(frame); err != nil {
				logger.Debug("write failed", zap.Error(err))
				sess.Close()
				_ = conn.Close()
				return
			}
		case <-tick:
			if err := conn.Ping(); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				sess.Close()
				_ = conn.Close()
				return
			}
		}
	}
}
