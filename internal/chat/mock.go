package chat

import (
	"context"

	"github.com/npezzotti/go-dm/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) GetUser(ctx context.Context, id string) (types.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.User), args.Error(1)
}

func (m *MockService) ListUsers(ctx context.Context, callerId, search string) ([]types.User, error) {
	args := m.Called(ctx, callerId, search)
	return args.Get(0).([]types.User), args.Error(1)
}

func (m *MockService) ListConversations(ctx context.Context, userId string, archived bool) ([]types.Conversation, error) {
	args := m.Called(ctx, userId, archived)
	return args.Get(0).([]types.Conversation), args.Error(1)
}

func (m *MockService) CreateConversation(ctx context.Context, userId, otherUserId string) (types.Conversation, bool, error) {
	args := m.Called(ctx, userId, otherUserId)
	return args.Get(0).(types.Conversation), args.Bool(1), args.Error(2)
}

func (m *MockService) UpdateConversation(ctx context.Context, id, userId string, params UpdateConversationParams) (types.Conversation, error) {
	args := m.Called(ctx, id, userId, params)
	return args.Get(0).(types.Conversation), args.Error(1)
}

func (m *MockService) DeleteConversation(ctx context.Context, id, userId string) error {
	args := m.Called(ctx, id, userId)
	return args.Error(0)
}

func (m *MockService) ListMessages(ctx context.Context, id, userId, cursor string, limit int) (types.MessagePage, error) {
	args := m.Called(ctx, id, userId, cursor, limit)
	return args.Get(0).(types.MessagePage), args.Error(1)
}

func (m *MockService) SendMessage(ctx context.Context, conversationId, senderId, content string) (types.Message, error) {
	args := m.Called(ctx, conversationId, senderId, content)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockService) SendMessageTo(ctx context.Context, senderId, receiverId, content string) (types.Message, error) {
	args := m.Called(ctx, senderId, receiverId, content)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockService) MarkRead(ctx context.Context, conversationId, userId string) (types.ReadReceipt, error) {
	args := m.Called(ctx, conversationId, userId)
	return args.Get(0).(types.ReadReceipt), args.Error(1)
}
