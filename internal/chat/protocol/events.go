package protocol

import (
	"encoding/json"
	"fmt"
)

// Server-to-client event types.
const (
	ConnectedEvent    Type = "event-connected"
	RoomCreatedEvent  Type = "event-room-created"
	RoomJoinedEvent   Type = "event-room-joined"
	RoomLeftEvent     Type = "event-room-left"
	MemberJoinedEvent Type = "event-member-joined"
	MemberLeftEvent   Type = "event-member-left"
	MessageEvent      Type = "event-message"
	NameChangedEvent  Type = "event-name-changed"
	RoomListEvent     Type = "event-room-list"
	MemberListEvent   Type = "event-member-list"
	ErrorEvent        Type = "error"
)

// Connected greets a new connection with its session id.
type Connected struct {
	SessionID string `json:"sessionId"`
}

// RoomCreated acknowledges command-create-room.
type RoomCreated struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

// RoomJoined acknowledges command-join-room.
type RoomJoined struct {
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	SessionID string `json:"sessionId"`
}

// RoomLeft acknowledges command-leave-room.
type RoomLeft struct {
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	SessionID string `json:"sessionId"`
}

// MemberJoined tells existing members that someone entered the room.
type MemberJoined struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

// MemberLeft tells remaining members that someone left the room.
type MemberLeft struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

// Message is a chat line fanned out to room members.
type Message struct {
	RoomID  string `json:"roomId"`
	From    string `json:"from"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// NameChanged acknowledges command-set-name.
type NameChanged struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// RoomSummary is one entry of a RoomList.
type RoomSummary struct {
	RoomID      string `json:"roomId"`
	RoomName    string `json:"roomName"`
	MemberCount int    `json:"memberCount"`
}

// RoomList answers command-list-rooms.
type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

// MemberSummary is one entry of a MemberList.
type MemberSummary struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

// MemberList answers command-list-members.
type MemberList struct {
	RoomID  string          `json:"roomId"`
	Members []MemberSummary `json:"members"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Encode marshals an event envelope.
//
// Postcondition: Returns the encoded frame, or an error if data cannot be marshalled.
func Encode(t Type, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s data: %w", t, err)
	}
	frame, err := json.Marshal(Envelope{Type: t, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s envelope: %w", t, err)
	}
	return frame, nil
}

// MustEncode is Encode for the event structs declared in this package, which
// always marshal. It panics on failure.
func MustEncode(t Type, data any) []byte {
	frame, err := Encode(t, data)
	if err != nil {
		panic(err)
	}
	return frame
}

// EncodeError builds the error event reported to the client for err.
//
// Precondition: err must be non-nil.
func EncodeError(err error) []byte {
	return MustEncode(ErrorEvent, ErrorData{Code: CodeOf(err), Message: messageOf(err)})
}
