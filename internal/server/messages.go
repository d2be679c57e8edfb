package server

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-dm/internal/apperr"
)

const (
	EventMessageSend         = "message:send"
	EventMessageNew          = "message:new"
	EventMessageSent         = "message:sent"
	EventMessageError        = "message:error"
	EventMessageRead         = "message:read"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventUserTyping          = "user:typing"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
	EventConversationDeleted = "conversation:deleted"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	UserId string          `json:"-"`
	client *Client         `json:"-"`
}

// GetUserId returns the id of the user that sent the message.
func (cm *ClientMessage) GetUserId() string {
	if cm.UserId != "" {
		return cm.UserId
	}
	if cm.client != nil {
		return cm.client.user.Id
	}

	return ""
}

type SendMessage struct {
	ConversationId string `json:"conversationId,omitempty"`
	ReceiverId     string `json:"receiverId,omitempty"`
	Content        string `json:"content"`
}

type ReadMessages struct {
	ConversationId string `json:"conversationId"`
}

type TypingNotice struct {
	ConversationId string `json:"conversationId"`
	ReceiverId     string `json:"receiverId"`
}

// ServerMessage is an outbound event. UserId addresses a single user's
// channel; when empty the message goes to every connected client except
// those belonging to SkipUserId.
type ServerMessage struct {
	BaseMessage
	Event      string  `json:"event"`
	Data       any     `json:"data,omitempty"`
	UserId     string  `json:"-"`
	SkipUserId string  `json:"-"`
	SkipClient *Client `json:"-"`
}

type ErrorData struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func NewServerMessage(id int, event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: event,
		Data:  data,
	}
}

// ErrorMessage renders err for the originating connection. Internal causes
// are never exposed.
func ErrorMessage(id int, err error) *ServerMessage {
	data := ErrorData{Error: "internal server error", Code: string(apperr.CodeInternal)}
	if e, ok := apperr.As(err); ok && e.Code != apperr.CodeInternal {
		data = ErrorData{
			Error:  e.Message,
			Code:   string(e.Code),
			Fields: e.Fields,
		}
	}

	return NewServerMessage(id, EventMessageError, data)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := NewServerMessage(0, EventMessageError, ErrorData{
		Error: "invalid message format",
		Code:  string(apperr.CodeValidation),
	})

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return NewServerMessage(id, EventMessageError, ErrorData{Error: "service unavailable"})
}

func ErrRateLimited(id int) *ServerMessage {
	return NewServerMessage(id, EventMessageError, ErrorData{Error: "rate limit exceeded"})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
