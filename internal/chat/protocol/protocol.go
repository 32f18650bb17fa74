// Package protocol defines the JSON envelope exchanged with chat clients:
// inbound command payloads, outbound event payloads, and error codes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Type is the value of the envelope "type" field.
type Type string

// Client-to-server command types.
const (
	CreateRoomCommand  Type = "command-create-room"
	JoinRoomCommand    Type = "command-join-room"
	SendMessageCommand Type = "command-send-message"
	LeaveRoomCommand   Type = "command-leave-room"
	SetNameCommand     Type = "command-set-name"
	ListRoomsCommand   Type = "command-list-rooms"
	ListMembersCommand Type = "command-list-members"
)

// Validation limits, counted in runes.
const (
	MaxRoomNameLength    = 100
	MaxMessageLength     = 5000
	MaxDisplayNameLength = 50
)

// Envelope is the outer frame of every message in both directions.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CreateRoomData is the payload of command-create-room.
type CreateRoomData struct {
	RoomName string `json:"roomName" validate:"notblank,max=100"`
}

// JoinRoomData is the payload of command-join-room.
type JoinRoomData struct {
	RoomID string `json:"roomId" validate:"required"`
}

// SendMessageData is the payload of command-send-message.
type SendMessageData struct {
	RoomID  string `json:"roomId" validate:"required"`
	Message string `json:"message" validate:"notblank,max=5000"`
}

// LeaveRoomData is the payload of command-leave-room.
type LeaveRoomData struct {
	RoomID string `json:"roomId" validate:"required"`
}

// SetNameData is the payload of command-set-name.
type SetNameData struct {
	Name string `json:"name" validate:"notblank,max=50"`
}

// ListRoomsData is the (empty) payload of command-list-rooms.
type ListRoomsData struct{}

// ListMembersData is the payload of command-list-members.
type ListMembersData struct {
	RoomID string `json:"roomId" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(fmt.Sprintf("registering notblank validation: %v", err))
	}
	// Report json field names so error messages match what the client sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses one inbound frame into an Envelope.
//
// Postcondition: Returns the envelope, or an InvalidArgument *Error when raw is
// not a JSON object or carries no type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Errorf(CodeInvalidArgument, "malformed message: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, Errorf(CodeInvalidArgument, "message type is required")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into dst and validates it.
// A missing or null payload decodes as an empty object.
//
// Precondition: dst must be a pointer to one of the *Data structs.
// Postcondition: Returns nil, or an InvalidArgument *Error describing the first problem.
func DecodeData(env Envelope, dst any) error {
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return Errorf(CodeInvalidArgument, "malformed %s data: %v", env.Type, err)
	}
	if err := validate.Struct(dst); err != nil {
		return Errorf(CodeInvalidArgument, "%s: %s", env.Type, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "notblank":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
