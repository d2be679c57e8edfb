// Package chat is the single business path for conversations and messages.
// REST handlers and the realtime hub both call into it.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/conversation"
	"github.com/npezzotti/go-dm/internal/database"
	"github.com/npezzotti/go-dm/internal/message"
	"github.com/npezzotti/go-dm/internal/stats"
	"github.com/npezzotti/go-dm/internal/types"
	"github.com/rs/zerolog"
)

const (
	metricMessagesSent         = "MessagesSent"
	metricConversationsCreated = "ConversationsCreated"

	lockStripes = 64
)

type ChatService interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	ListUsers(ctx context.Context, callerId, search string) ([]types.User, error)
	ListConversations(ctx context.Context, userId string, archived bool) ([]types.Conversation, error)
	CreateConversation(ctx context.Context, userId, otherUserId string) (types.Conversation, bool, error)
	UpdateConversation(ctx context.Context, id, userId string, params UpdateConversationParams) (types.Conversation, error)
	DeleteConversation(ctx context.Context, id, userId string) error
	ListMessages(ctx context.Context, id, userId, cursor string, limit int) (types.MessagePage, error)
	SendMessage(ctx context.Context, conversationId, senderId, content string) (types.Message, error)
	SendMessageTo(ctx context.Context, senderId, receiverId, content string) (types.Message, error)
	MarkRead(ctx context.Context, conversationId, userId string) (types.ReadReceipt, error)
}

// PresenceReader reports live connection state for users.
type PresenceReader interface {
	IsOnline(userId string) bool
}

// Notifier delivers events produced by the service to connected users.
type Notifier interface {
	MessageCreated(msg types.Message)
	MessagesRead(receipt types.ReadReceipt, notifyUserId string)
	ConversationDeleted(ev types.ConversationDeleted, notifyUserId string)
}

type nopNotifier struct{}

func (nopNotifier) MessageCreated(types.Message)                          {}
func (nopNotifier) MessagesRead(types.ReadReceipt, string)                {}
func (nopNotifier) ConversationDeleted(types.ConversationDeleted, string) {}

type UpdateConversationParams struct {
	IsArchived   *bool
	IsMuted      *bool
	MarkAsRead   bool
	MarkAsUnread bool
}

type Service struct {
	repo     database.ChatRepository
	dir      *conversation.Directory
	store    *message.Store
	presence PresenceReader
	stats    stats.StatsProvider
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	notifier Notifier

	// appends to one conversation are serialized through its stripe
	locks [lockStripes]sync.Mutex
}

func NewService(repo database.ChatRepository, presence PresenceReader, su stats.StatsProvider, logger zerolog.Logger) *Service {
	su.RegisterMetric(metricMessagesSent)
	su.RegisterMetric(metricConversationsCreated)

	return &Service{
		repo:     repo,
		dir:      conversation.NewDirectory(repo),
		store:    message.NewStore(repo),
		presence: presence,
		stats:    su,
		log:      logger.With().Str("component", "chat").Logger(),
		now:      time.Now,
		notifier: nopNotifier{},
	}
}

// SetNotifier installs the event sink, normally the realtime hub.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *Service) notify() Notifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifier
}

func (s *Service) lockFor(conversationId string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationId))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Service) GetUser(ctx context.Context, id string) (types.User, error) {
	u, err := s.repo.GetUserById(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, apperr.NotFound("user not found")
		}
		return types.User{}, apperr.Internal(fmt.Errorf("get user: %w", err))
	}

	return s.toUser(u), nil
}

func (s *Service) ListUsers(ctx context.Context, callerId, search string) ([]types.User, error) {
	users, err := s.repo.ListUsers(ctx, callerId, strings.TrimSpace(search))
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list users: %w", err))
	}

	out := make([]types.User, 0, len(users))
	for _, u := range users {
		out = append(out, s.toUser(u))
	}

	return out, nil
}

func (s *Service) ListConversations(ctx context.Context, userId string, archived bool) ([]types.Conversation, error) {
	summaries, err := s.dir.ListFor(ctx, userId, archived)
	if err != nil {
		return nil, err
	}

	out := make([]types.Conversation, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, s.toConversation(sum, userId))
	}

	return out, nil
}

// CreateConversation finds or creates the conversation between userId and
// otherUserId. The boolean reports whether it was created by this call.
func (s *Service) CreateConversation(ctx context.Context, userId, otherUserId string) (types.Conversation, bool, error) {
	otherUserId = strings.TrimSpace(otherUserId)
	if otherUserId == "" {
		return types.Conversation{}, false, apperr.Validation("userId", "userId is required")
	}
	if otherUserId == userId {
		return types.Conversation{}, false, apperr.InvalidOperation("cannot start a conversation with yourself")
	}

	if _, err := s.GetUser(ctx, otherUserId); err != nil {
		return types.Conversation{}, false, err
	}

	conv, isNew, err := s.dir.FindOrCreate(ctx, userId, otherUserId)
	if err != nil {
		return types.Conversation{}, false, err
	}
	if isNew {
		s.stats.Incr(metricConversationsCreated)
		s.log.Debug().Str("conversation_id", conv.Id).Msg("conversation created")
	}

	out, err := s.project(ctx, conv, userId)
	if err != nil {
		return types.Conversation{}, false, err
	}

	return out, isNew, nil
}

func (s *Service) UpdateConversation(ctx context.Context, id, userId string, params UpdateConversationParams) (types.Conversation, error) {
	if params.MarkAsRead && params.MarkAsUnread {
		return types.Conversation{}, apperr.Validation("markAsRead", "markAsRead and markAsUnread cannot both be set")
	}

	if _, _, err := s.dir.Authorize(ctx, id, userId); err != nil {
		return types.Conversation{}, err
	}

	if params.IsArchived != nil || params.IsMuted != nil {
		if _, err := s.dir.SetFlags(ctx, id, userId, conversation.Flags{
			IsArchived: params.IsArchived,
			IsMuted:    params.IsMuted,
		}); err != nil {
			return types.Conversation{}, err
		}
	}

	switch {
	case params.MarkAsRead:
		if _, err := s.MarkRead(ctx, id, userId); err != nil {
			return types.Conversation{}, err
		}
	case params.MarkAsUnread:
		if err := s.dir.MarkUnread(ctx, id, userId); err != nil {
			return types.Conversation{}, err
		}
	}

	conv, _, err := s.dir.Authorize(ctx, id, userId)
	if err != nil {
		return types.Conversation{}, err
	}

	return s.project(ctx, conv, userId)
}

func (s *Service) DeleteConversation(ctx context.Context, id, userId string) error {
	conv, err := s.dir.Delete(ctx, id, userId)
	if err != nil {
		return err
	}

	s.notify().ConversationDeleted(types.ConversationDeleted{
		ConversationId: conv.Id,
		DeletedBy:      userId,
	}, conv.OtherUserId(userId))

	return nil
}

func (s *Service) ListMessages(ctx context.Context, id, userId, cursor string, limit int) (types.MessagePage, error) {
	before, err := message.ParseCursor(cursor)
	if err != nil {
		return types.MessagePage{}, err
	}
	if limit < 0 {
		return types.MessagePage{}, apperr.Validation("limit", "limit must be positive")
	}

	if _, _, err := s.dir.Authorize(ctx, id, userId); err != nil {
		return types.MessagePage{}, err
	}

	page, err := s.store.Page(ctx, id, before, limit)
	if err != nil {
		return types.MessagePage{}, err
	}

	out := types.MessagePage{
		Messages: make([]types.Message, 0, len(page.Messages)),
		HasMore:  page.HasMore,
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, toMessage(m))
	}
	if page.NextCursor != nil {
		c := message.FormatCursor(*page.NextCursor)
		out.NextCursor = &c
	}

	return out, nil
}

// SendMessage appends a message from senderId to an existing conversation,
// bumps the recipient's unread counter and notifies the recipient.
func (s *Service) SendMessage(ctx context.Context, conversationId, senderId, content string) (types.Message, error) {
	content, err := message.Validate(content)
	if err != nil {
		return types.Message{}, err
	}

	conv, side, err := s.dir.Authorize(ctx, conversationId, senderId)
	if err != nil {
		return types.Message{}, err
	}

	return s.send(ctx, conv, side, content)
}

// SendMessageTo sends to receiverId, creating the conversation on first
// contact.
func (s *Service) SendMessageTo(ctx context.Context, senderId, receiverId, content string) (types.Message, error) {
	content, err := message.Validate(content)
	if err != nil {
		return types.Message{}, err
	}

	receiverId = strings.TrimSpace(receiverId)
	if receiverId == "" {
		return types.Message{}, apperr.Validation("receiverId", "receiverId is required")
	}
	if receiverId == senderId {
		return types.Message{}, apperr.InvalidOperation("cannot message yourself")
	}
	if _, err := s.GetUser(ctx, receiverId); err != nil {
		return types.Message{}, err
	}

	conv, isNew, err := s.dir.FindOrCreate(ctx, senderId, receiverId)
	if err != nil {
		return types.Message{}, err
	}
	if isNew {
		s.stats.Incr(metricConversationsCreated)
	}

	return s.send(ctx, conv, conv.SideOf(senderId), content)
}

func (s *Service) send(ctx context.Context, conv database.Conversation, side database.Side, content string) (types.Message, error) {
	recipient := side.Other()

	mu := s.lockFor(conv.Id)
	mu.Lock()
	defer mu.Unlock()

	var msg database.Message
	err := s.repo.InTx(ctx, func(tx database.ChatRepository) error {
		var err error
		msg, err = s.store.With(tx).Append(ctx, database.CreateMessageParams{
			ConversationId: conv.Id,
			SenderId:       conv.UserId(side),
			ReceiverId:     conv.UserId(recipient),
			Content:        content,
		})
		if err != nil {
			return err
		}

		return s.dir.With(tx).IncrementUnread(ctx, conv.Id, recipient, msg.CreatedAt)
	})
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Code == apperr.CodeInternal {
			s.log.Error().Err(err).Str("conversation_id", conv.Id).Msg("send message")
		}
		return types.Message{}, err
	}

	out := toMessage(msg)
	// enqueued under the stripe lock so delivery order matches insert order
	s.notify().MessageCreated(out)
	s.stats.Incr(metricMessagesSent)

	return out, nil
}

// MarkRead marks everything addressed to userId in the conversation as read
// and sends a read receipt to the other participant.
func (s *Service) MarkRead(ctx context.Context, conversationId, userId string) (types.ReadReceipt, error) {
	conv, err := s.dir.MarkRead(ctx, conversationId, userId)
	if err != nil {
		return types.ReadReceipt{}, err
	}

	receipt := types.ReadReceipt{
		ConversationId: conv.Id,
		ReadBy:         userId,
		ReadAt:         s.now().UTC(),
	}
	s.notify().MessagesRead(receipt, conv.OtherUserId(userId))

	return receipt, nil
}

// project builds the caller-relative view of a single conversation.
func (s *Service) project(ctx context.Context, conv database.Conversation, userId string) (types.Conversation, error) {
	other, err := s.repo.GetUserById(ctx, conv.OtherUserId(userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, apperr.NotFound("user not found")
		}
		return types.Conversation{}, apperr.Internal(fmt.Errorf("get other user: %w", err))
	}

	last, err := s.repo.GetLastMessage(ctx, conv.Id)
	if err != nil {
		return types.Conversation{}, apperr.Internal(fmt.Errorf("get last message: %w", err))
	}

	return s.toConversation(database.ConversationSummary{
		Conversation: conv,
		OtherUser:    other,
		LastMessage:  last,
	}, userId), nil
}

func (s *Service) toConversation(sum database.ConversationSummary, userId string) types.Conversation {
	side := sum.SideOf(userId)
	c := types.Conversation{
		Id:          sum.Id,
		OtherUser:   s.toUser(sum.OtherUser),
		UnreadCount: sum.UnreadCount(side),
		IsArchived:  sum.IsArchived(side),
		IsMuted:     sum.IsMuted(side),
		UpdatedAt:   sum.LastMessageAt,
		CreatedAt:   sum.CreatedAt,
	}
	if sum.LastMessage != nil {
		m := toMessage(*sum.LastMessage)
		c.LastMessage = &m
	}

	return c
}

func (s *Service) toUser(u database.User) types.User {
	out := types.User{
		Id:       u.Id,
		Name:     u.Name,
		Email:    u.Email,
		Picture:  u.Picture,
		IsOnline: u.IsOnline,
	}
	if s.presence != nil {
		out.IsOnline = s.presence.IsOnline(u.Id)
	}
	if u.LastSeen.Valid {
		ls := u.LastSeen.Time
		out.LastSeen = &ls
	}

	return out
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		ReceiverId:     m.ReceiverId,
		Content:        m.Content,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}
