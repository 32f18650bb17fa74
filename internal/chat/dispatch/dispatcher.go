// Package dispatch routes decoded client commands to room operations.
package dispatch

import (
	"errors"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomchat/internal/chat/protocol"
	"github.com/cory-johannsen/roomchat/internal/chat/room"
)

// Client is the originating side of a command. *session.Session satisfies it.
type Client interface {
	room.Member
	SetDisplayName(name string)
	AllowMessage() bool
}

// MessageFilter rewrites or rejects chat text before it is broadcast.
// *scripting.Filter satisfies it.
type MessageFilter interface {
	Apply(roomID, senderID, message string) (text string, ok bool, err error)
}

// Options configures a Dispatcher.
type Options struct {
	// EchoSelf delivers a sender's own event-message back to it.
	EchoSelf bool
	// Filter, when non-nil, is applied to every chat message.
	Filter MessageFilter
}

// Dispatcher executes protocol commands against a room Registry.
// Replies and errors go only to the originating Client.
// All methods are safe for concurrent use.
type Dispatcher struct {
	registry *room.Registry
	opts     Options
	logger   *zap.Logger
}

// New creates a Dispatcher.
//
// Precondition: registry and logger must be non-nil.
func New(registry *room.Registry, opts Options, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, opts: opts, logger: logger}
}

// Dispatch decodes one inbound frame from c and executes it. Any failure is
// reported to c as an error event; the connection is never closed here.
//
// Replies are queued after the operation has taken effect. For
// command-join-room the membership is visible to other senders before
// event-room-joined (and any implicit event-room-left) is queued, so an
// event-message or event-member-joined for the new room may reach c ahead of
// its own join acknowledgement. Clients key events by roomId, not by arrival
// order relative to the ack.
func (d *Dispatcher) Dispatch(c Client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err == nil {
		err = d.dispatch(c, env)
	}
	if err != nil {
		d.fail(c, env.Type, err)
	}
}

func (d *Dispatcher) dispatch(c Client, env protocol.Envelope) error {
	switch env.Type {
	case protocol.CreateRoomCommand:
		return d.handleCreateRoom(c, env)
	case protocol.JoinRoomCommand:
		return d.handleJoinRoom(c, env)
	case protocol.SendMessageCommand:
		return d.handleSendMessage(c, env)
	case protocol.LeaveRoomCommand:
		return d.handleLeaveRoom(c, env)
	case protocol.SetNameCommand:
		return d.handleSetName(c, env)
	case protocol.ListRoomsCommand:
		return d.handleListRooms(c, env)
	case protocol.ListMembersCommand:
		return d.handleListMembers(c, env)
	default:
		return protocol.Errorf(protocol.CodeUnknownCommand, "unknown command %q", env.Type)
	}
}

func (d *Dispatcher) handleCreateRoom(c Client, env protocol.Envelope) error {
	var req protocol.CreateRoomData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	r, err := d.registry.CreateRoom(req.RoomName)
	if err != nil {
		return err
	}
	d.logger.Info("room created",
		zap.String("room_id", r.ID()),
		zap.String("room_name", r.Name()),
		zap.String("session_id", c.ID()),
	)
	return d.reply(c, protocol.RoomCreatedEvent, protocol.RoomCreated{RoomID: r.ID(), RoomName: r.Name()})
}

func (d *Dispatcher) handleJoinRoom(c Client, env protocol.Envelope) error {
	var req protocol.JoinRoomData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	res, err := d.registry.Join(c, req.RoomID)
	for _, prev := range res.Left {
		d.logger.Debug("implicit leave",
			zap.String("room_id", prev.ID()),
			zap.String("session_id", c.ID()),
		)
		if rerr := d.reply(c, protocol.RoomLeftEvent, protocol.RoomLeft{RoomID: prev.ID(), RoomName: prev.Name(), SessionID: c.ID()}); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return err
	}
	if !res.AlreadyMember {
		d.logger.Debug("joined room",
			zap.String("room_id", res.Room.ID()),
			zap.String("session_id", c.ID()),
		)
	}
	return d.reply(c, protocol.RoomJoinedEvent, protocol.RoomJoined{RoomID: res.Room.ID(), RoomName: res.Room.Name(), SessionID: c.ID()})
}

func (d *Dispatcher) handleSendMessage(c Client, env protocol.Envelope) error {
	var req protocol.SendMessageData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	r, ok := d.registry.GetRoom(req.RoomID)
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "room %s not found", req.RoomID)
	}
	if !r.Has(c.ID()) {
		return protocol.Errorf(protocol.CodeNotMember, "not a member of room %s", req.RoomID)
	}
	if !c.AllowMessage() {
		return protocol.Errorf(protocol.CodeRateLimited, "sending too fast")
	}

	text := req.Message
	if d.opts.Filter != nil {
		filtered, pass, err := d.opts.Filter.Apply(r.ID(), c.ID(), text)
		if err != nil {
			return err
		}
		if !pass || strings.TrimSpace(filtered) == "" {
			return protocol.Errorf(protocol.CodeInvalidArgument, "message rejected by filter")
		}
		if len([]rune(filtered)) > protocol.MaxMessageLength {
			return protocol.Errorf(protocol.CodeInvalidArgument, "message exceeds %d characters", protocol.MaxMessageLength)
		}
		text = filtered
	}

	frame, err := protocol.Encode(protocol.MessageEvent, protocol.Message{
		RoomID:  r.ID(),
		From:    c.ID(),
		Name:    c.DisplayName(),
		Message: text,
	})
	if err != nil {
		return err
	}
	exclude := c.ID()
	if d.opts.EchoSelf {
		exclude = ""
	}
	delivery := r.Broadcast(frame, exclude)
	if delivery.Dropped > 0 {
		d.logger.Warn("broadcast dropped for slow members",
			zap.String("room_id", r.ID()),
			zap.Int("delivered", delivery.Delivered),
			zap.Int("dropped", delivery.Dropped),
		)
	}
	return nil
}

func (d *Dispatcher) handleLeaveRoom(c Client, env protocol.Envelope) error {
	var req protocol.LeaveRoomData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	r, err := d.registry.Leave(c, req.RoomID)
	if err != nil {
		return err
	}
	return d.reply(c, protocol.RoomLeftEvent, protocol.RoomLeft{RoomID: r.ID(), RoomName: r.Name(), SessionID: c.ID()})
}

func (d *Dispatcher) handleSetName(c Client, env protocol.Envelope) error {
	var req protocol.SetNameData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	name := strings.TrimSpace(req.Name)
	c.SetDisplayName(name)
	return d.reply(c, protocol.NameChangedEvent, protocol.NameChanged{SessionID: c.ID(), Name: name})
}

func (d *Dispatcher) handleListRooms(c Client, env protocol.Envelope) error {
	var req protocol.ListRoomsData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	rooms := lo.Map(d.registry.Rooms(), func(r *room.Room, _ int) protocol.RoomSummary {
		return protocol.RoomSummary{RoomID: r.ID(), RoomName: r.Name(), MemberCount: r.Len()}
	})
	return d.reply(c, protocol.RoomListEvent, protocol.RoomList{Rooms: rooms})
}

func (d *Dispatcher) handleListMembers(c Client, env protocol.Envelope) error {
	var req protocol.ListMembersData
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	r, ok := d.registry.GetRoom(req.RoomID)
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "room %s not found", req.RoomID)
	}
	members := lo.Map(r.Members(), func(m room.Member, _ int) protocol.MemberSummary {
		return protocol.MemberSummary{SessionID: m.ID(), Name: m.DisplayName()}
	})
	return d.reply(c, protocol.MemberListEvent, protocol.MemberList{RoomID: r.ID(), Members: members})
}

// reply sends one event to c. A full outbound queue is logged, not reported.
func (d *Dispatcher) reply(c Client, t protocol.Type, data any) error {
	frame, err := protocol.Encode(t, data)
	if err != nil {
		return err
	}
	if err := c.Send(frame); err != nil {
		d.logger.Warn("reply dropped",
			zap.String("session_id", c.ID()),
			zap.String("event", string(t)),
			zap.Error(err),
		)
	}
	return nil
}

func (d *Dispatcher) fail(c Client, cmd protocol.Type, err error) {
	var pe *protocol.Error
	switch {
	case errors.Is(err, room.ErrMemberClosed):
		// The session is tearing down; there is no one to reply to.
		d.logger.Debug("command from closed session",
			zap.String("session_id", c.ID()),
			zap.String("command", string(cmd)),
		)
		return
	case errors.As(err, &pe):
		d.logger.Debug("command rejected",
			zap.String("session_id", c.ID()),
			zap.String("command", string(cmd)),
			zap.String("code", string(pe.Code)),
			zap.String("reason", pe.Message),
		)
	default:
		d.logger.Error("command failed",
			zap.String("session_id", c.ID()),
			zap.String("command", string(cmd)),
			zap.Error(err),
		)
	}
	if serr := c.Send(protocol.EncodeError(err)); serr != nil {
		d.logger.Warn("error reply dropped",
			zap.String("session_id", c.ID()),
			zap.Error(serr),
		)
	}
}
