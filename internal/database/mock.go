package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// InTx runs fn against the mock itself so expectations set on the mock
// apply inside the transaction as well.
func (m *MockChatRepository) InTx(ctx context.Context, fn func(ChatRepository) error) error {
	m.Called(ctx)
	return fn(m)
}

func (m *MockChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUserById(ctx context.Context, id string) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) ListUsers(ctx context.Context, excludeId, search string) ([]User, error) {
	args := m.Called(ctx, excludeId, search)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	args := m.Called(ctx, id, online, lastSeen)
	return args.Error(0)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetConversationByPair(ctx context.Context, user1Id, user2Id string) (Conversation, error) {
	args := m.Called(ctx, user1Id, user2Id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) ListConversations(ctx context.Context, userId string, archived bool) ([]ConversationSummary, error) {
	args := m.Called(ctx, userId, archived)
	return args.Get(0).([]ConversationSummary), args.Error(1)
}
func (m *MockChatRepository) UpdateConversationFlags(ctx context.Context, params UpdateConversationFlagsParams) (Conversation, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) ResetUnreadCount(ctx context.Context, id string, side Side) error {
	args := m.Called(ctx, id, side)
	return args.Error(0)
}
func (m *MockChatRepository) MarkUnread(ctx context.Context, id string, side Side) error {
	args := m.Called(ctx, id, side)
	return args.Error(0)
}
func (m *MockChatRepository) IncrementUnreadCount(ctx context.Context, id string, side Side, at time.Time) error {
	args := m.Called(ctx, id, side, at)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, conversationId string, before *time.Time, limit int) ([]Message, error) {
	args := m.Called(ctx, conversationId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) GetLastMessage(ctx context.Context, conversationId string) (*Message, error) {
	args := m.Called(ctx, conversationId)
	if msg, ok := args.Get(0).(*Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) MarkMessagesRead(ctx context.Context, conversationId, receiverId string) (int64, error) {
	args := m.Called(ctx, conversationId, receiverId)
	return args.Get(0).(int64), args.Error(1)
}
