package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/message"
	"github.com/npezzotti/go-dm/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	// a full-length message where every character arrives as an escaped
	// surrogate pair (\uXXXX\uXXXX), plus room for the envelope
	maxMessageSize = 12*message.MaxContentLength + 4096

	eventTimeout = 10 * time.Second
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	svc        chat.ChatService
	log        zerolog.Logger
	user       types.User
	send       chan *ServerMessage
	events     chan *ClientMessage
	limiter    *rate.Limiter
	admitted   chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		svc:        cs.svc,
		log:        l.With().Str("user_id", user.Id).Str("conn_id", id).Logger(),
		user:       user,
		send:       make(chan *ServerMessage, 256),
		events:     make(chan *ClientMessage, 32),
		limiter:    cs.newLimiter(),
		admitted:   make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// Serve registers the client and starts its pumps. It returns once the
// client is admitted.
func (c *Client) Serve() error {
	if err := c.chatServer.RegisterClient(c); err != nil {
		return err
	}

	go c.Write()
	go c.processEvents()
	go c.Read()

	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Str("event", msg.Event).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch msg.Event {
	case EventMessageSend:
		if !c.limiter.Allow() {
			c.queueMessage(ErrRateLimited(msg.Id))
			return
		}
		c.enqueueEvent(msg)
	case EventMessageRead:
		c.enqueueEvent(msg)
	case EventTypingStart, EventTypingStop:
		c.handleTyping(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) enqueueEvent(msg *ClientMessage) {
	select {
	case c.events <- msg:
	default:
		c.log.Warn().Str("event", msg.Event).Msg("event queue full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// processEvents runs storage-touching events one at a time, in arrival order.
func (c *Client) processEvents() {
	for {
		select {
		case msg := <-c.events:
			switch msg.Event {
			case EventMessageSend:
				c.handleSend(msg)
			case EventMessageRead:
				c.handleRead(msg)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) handleSend(msg *ClientMessage) {
	var payload SendMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	var (
		sent types.Message
		err  error
	)
	switch {
	case strings.TrimSpace(payload.ConversationId) != "":
		sent, err = c.svc.SendMessage(ctx, payload.ConversationId, msg.GetUserId(), payload.Content)
	case strings.TrimSpace(payload.ReceiverId) != "":
		sent, err = c.svc.SendMessageTo(ctx, msg.GetUserId(), payload.ReceiverId, payload.Content)
	default:
		err = apperr.Validation("conversationId", "conversationId or receiverId is required")
	}
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			c.log.Error().Err(err).Msg("send message")
		}
		c.queueMessage(ErrorMessage(msg.Id, err))
		return
	}

	c.queueMessage(NewServerMessage(msg.Id, EventMessageSent, sent))
}

func (c *Client) handleRead(msg *ClientMessage) {
	var payload ReadMessages
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.ConversationId == "" {
		c.log.Debug().Str("event", msg.Event).Msg("dropping malformed read receipt")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if _, err := c.svc.MarkRead(ctx, payload.ConversationId, msg.GetUserId()); err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeForbidden, apperr.CodeNotFound, apperr.CodeValidation:
			// not a participant, or the conversation is gone
		default:
			c.log.Error().Err(err).Str("conversation_id", payload.ConversationId).Msg("mark read")
		}
	}
}

// handleTyping relays typing state to the receiver without touching storage.
func (c *Client) handleTyping(msg *ClientMessage) {
	var payload TypingNotice
	if err := json.Unmarshal(msg.Data, &payload); err != nil ||
		payload.ConversationId == "" || payload.ReceiverId == "" {
		return
	}
	if payload.ReceiverId == c.user.Id {
		return
	}

	c.chatServer.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
		Event:       EventUserTyping,
		Data: types.Typing{
			ConversationId: payload.ConversationId,
			UserId:         c.user.Id,
			IsTyping:       msg.Event == EventTypingStart,
		},
		UserId: payload.ReceiverId,
	})
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeregisterClient(c)
	c.stopClient()
}
