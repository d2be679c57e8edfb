package database

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// such as a second conversation for the same pair of users.
var ErrDuplicate = errors.New("duplicate key")

// ChatRepository is the storage boundary of the chat core. Lookups that find
// nothing return sql.ErrNoRows.
type ChatRepository interface {
	Ping(ctx context.Context) error
	// InTx runs fn against a repository bound to a single transaction. The
	// transaction is rolled back when fn returns an error. Calling InTx on a
	// repository that is already transactional reuses the transaction.
	InTx(ctx context.Context, fn func(ChatRepository) error) error

	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, excludeId, search string) ([]User, error)
	// SetUserPresence records online state. A zero lastSeen leaves the stored
	// value unchanged.
	SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error

	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetConversationByPair(ctx context.Context, user1Id, user2Id string) (Conversation, error)
	CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error)
	ListConversations(ctx context.Context, userId string, archived bool) ([]ConversationSummary, error)
	UpdateConversationFlags(ctx context.Context, params UpdateConversationFlagsParams) (Conversation, error)
	ResetUnreadCount(ctx context.Context, id string, side Side) error
	MarkUnread(ctx context.Context, id string, side Side) error
	IncrementUnreadCount(ctx context.Context, id string, side Side, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, conversationId string, before *time.Time, limit int) ([]Message, error)
	GetLastMessage(ctx context.Context, conversationId string) (*Message, error)
	MarkMessagesRead(ctx context.Context, conversationId, receiverId string) (int64, error)
}
