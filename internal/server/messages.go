package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/npezzotti/gochat-rooms/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
}

type Subscribe struct {
	RoomId int `json:"room_id"`
}

type Unsubscribe struct {
	RoomId int `json:"room_id"`
}

type Publish struct {
	RoomId  int    `json:"room_id"`
	Content string `json:"content"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	MemberJoined *MemberChange `json:"member_joined,omitempty"`
	MemberLeft   *MemberChange `json:"member_left,omitempty"`
	OwnerChanged *OwnerChanged `json:"owner_changed,omitempty"`
	RoomRenamed  *RoomRenamed  `json:"room_renamed,omitempty"`
	RoomDeleted  *RoomDeleted  `json:"room_deleted,omitempty"`
	Presence     *Presence     `json:"presence,omitempty"`
}

type MemberChange struct {
	RoomId int        `json:"room_id"`
	User   types.User `json:"user"`
}

type OwnerChanged struct {
	RoomId     int `json:"room_id"`
	NewOwnerId int `json:"new_owner_id"`
}

type RoomRenamed struct {
	RoomId int    `json:"room_id"`
	Name   string `json:"name"`
}

type RoomDeleted struct {
	RoomId int `json:"room_id"`
}

type Presence struct {
	RoomId  int  `json:"room_id"`
	UserId  int  `json:"user_id"`
	Present bool `json:"present"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data:         data,
		},
	}
}

// ErrResponse reports a failed request with the status matching the error's kind.
func ErrResponse(id int, err error) *ServerMessage {
	code := StatusForError(err)
	msg := http.StatusText(code)
	if k := rooms.KindOf(err); k != rooms.KindUnknown {
		msg = k.String()
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

// StatusForError maps an error kind to the HTTP status used on every
// client-facing surface.
func StatusForError(err error) int {
	switch rooms.KindOf(err) {
	case rooms.KindValidation:
		return http.StatusBadRequest
	case rooms.KindUnauthorized:
		return http.StatusUnauthorized
	case rooms.KindForbidden, rooms.KindNotMember:
		return http.StatusForbidden
	case rooms.KindNotFound:
		return http.StatusNotFound
	case rooms.KindFull, rooms.KindConflict:
		return http.StatusConflict
	case rooms.KindExhausted, rooms.KindUnavailable:
		return http.StatusServiceUnavailable
	case rooms.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
