package database

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryChatRepository is an in-process ChatRepository with the same
// observable semantics as the Postgres repository. It backs behavioural tests.
type MemoryChatRepository struct {
	*memoryState

	// set on the handle passed to InTx callbacks
	inTx bool
}

type memoryState struct {
	// txMu is held for the whole of a transaction and by every write made
	// outside one, so a rollback never discards a concurrent write.
	txMu sync.Mutex
	mu   sync.RWMutex

	users         map[string]User
	conversations map[string]Conversation
	messages      map[string][]Message
	nextMessageId int64
	now           func() time.Time
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		memoryState: &memoryState{
			users:         make(map[string]User),
			conversations: make(map[string]Conversation),
			messages:      make(map[string][]Message),
			now:           time.Now,
		},
	}
}

// exclusive takes txMu for writes made outside a transaction and returns the
// matching unlock.
func (m *MemoryChatRepository) exclusive() func() {
	if m.inTx {
		return func() {}
	}
	m.txMu.Lock()
	return m.txMu.Unlock
}

type memorySnapshot struct {
	users         map[string]User
	conversations map[string]Conversation
	messages      map[string][]Message
	nextMessageId int64
}

func (m *MemoryChatRepository) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := memorySnapshot{
		users:         make(map[string]User, len(m.users)),
		conversations: make(map[string]Conversation, len(m.conversations)),
		messages:      make(map[string][]Message, len(m.messages)),
		nextMessageId: m.nextMessageId,
	}
	for k, v := range m.users {
		s.users[k] = v
	}
	for k, v := range m.conversations {
		s.conversations[k] = v
	}
	for k, v := range m.messages {
		s.messages[k] = append([]Message(nil), v...)
	}

	return s
}

func (m *MemoryChatRepository) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = s.users
	m.conversations = s.conversations
	m.messages = s.messages
	m.nextMessageId = s.nextMessageId
}

func (m *MemoryChatRepository) Ping(_ context.Context) error { return nil }

// InTx restores the state captured before fn when fn fails. Nested calls run
// inside the outer transaction.
func (m *MemoryChatRepository) InTx(ctx context.Context, fn func(ChatRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.inTx {
		return fn(m)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(&MemoryChatRepository{memoryState: m.memoryState, inTx: true}); err != nil {
		m.restore(snap)
		return err
	}

	return nil
}

func (m *MemoryChatRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, params.Email) {
			return User{}, ErrDuplicate
		}
	}

	u := User{
		Id:           uuid.NewString(),
		Name:         params.Name,
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		Picture:      params.Picture,
		CreatedAt:    m.now().UTC(),
	}
	m.users[u.Id] = u

	return u, nil
}

func (m *MemoryChatRepository) GetUserById(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, sql.ErrNoRows
	}

	return u, nil
}

func (m *MemoryChatRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}

	return User{}, sql.ErrNoRows
}

func (m *MemoryChatRepository) ListUsers(_ context.Context, excludeId, search string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(search)
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if u.Id == excludeId {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(u.Name), needle) &&
			!strings.Contains(strings.ToLower(u.Email), needle) {
			continue
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (m *MemoryChatRepository) SetUserPresence(_ context.Context, id string, online bool, lastSeen time.Time) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}

	u.IsOnline = online
	if !lastSeen.IsZero() {
		u.LastSeen = sql.NullTime{Time: lastSeen, Valid: true}
	}
	m.users[id] = u
	return nil
}

func (m *MemoryChatRepository) GetConversation(_ context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return Conversation{}, sql.ErrNoRows
	}

	return c, nil
}

func (m *MemoryChatRepository) GetConversationByPair(_ context.Context, user1Id, user2Id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.User1Id == user1Id && c.User2Id == user2Id {
			return c, nil
		}
	}

	return Conversation{}, sql.ErrNoRows
}

func (m *MemoryChatRepository) CreateConversation(_ context.Context, params CreateConversationParams) (Conversation, error) {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[params.Id]; ok {
		return Conversation{}, ErrDuplicate
	}
	for _, c := range m.conversations {
		if c.User1Id == params.User1Id && c.User2Id == params.User2Id {
			return Conversation{}, ErrDuplicate
		}
	}

	c := Conversation{
		Id:            params.Id,
		User1Id:       params.User1Id,
		User2Id:       params.User2Id,
		LastMessageAt: params.CreatedAt,
		CreatedAt:     params.CreatedAt,
	}
	m.conversations[c.Id] = c

	return c, nil
}

func (m *MemoryChatRepository) ListConversations(_ context.Context, userId string, archived bool) ([]ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]ConversationSummary, 0)
	for _, c := range m.conversations {
		side := c.SideOf(userId)
		if side == SideNone || c.IsArchived(side) != archived {
			continue
		}

		other, ok := m.users[c.OtherUserId(userId)]
		if !ok {
			continue
		}

		s := ConversationSummary{Conversation: c, OtherUser: other}
		if msgs := m.messages[c.Id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			s.LastMessage = &last
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.Id < b.Id
	})

	return summaries, nil
}

func (m *MemoryChatRepository) UpdateConversationFlags(_ context.Context, params UpdateConversationFlagsParams) (Conversation, error) {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[params.Id]
	if !ok {
		return Conversation{}, sql.ErrNoRows
	}

	if params.IsArchived != nil {
		if params.Side == SideTwo {
			c.IsArchived2 = *params.IsArchived
		} else {
			c.IsArchived1 = *params.IsArchived
		}
	}
	if params.IsMuted != nil {
		if params.Side == SideTwo {
			c.IsMuted2 = *params.IsMuted
		} else {
			c.IsMuted1 = *params.IsMuted
		}
	}
	m.conversations[c.Id] = c

	return c, nil
}

func (m *MemoryChatRepository) updateUnread(id string, side Side, fn func(int) int) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return sql.ErrNoRows
	}

	if side == SideTwo {
		c.UnreadCount2 = fn(c.UnreadCount2)
	} else {
		c.UnreadCount1 = fn(c.UnreadCount1)
	}
	m.conversations[id] = c

	return nil
}

func (m *MemoryChatRepository) ResetUnreadCount(_ context.Context, id string, side Side) error {
	return m.updateUnread(id, side, func(int) int { return 0 })
}

func (m *MemoryChatRepository) MarkUnread(_ context.Context, id string, side Side) error {
	return m.updateUnread(id, side, func(n int) int { return max(n, 1) })
}

func (m *MemoryChatRepository) IncrementUnreadCount(_ context.Context, id string, side Side, at time.Time) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return sql.ErrNoRows
	}

	if side == SideTwo {
		c.UnreadCount2++
	} else {
		c.UnreadCount1++
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	m.conversations[id] = c

	return nil
}

func (m *MemoryChatRepository) DeleteConversation(_ context.Context, id string) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return sql.ErrNoRows
	}

	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *MemoryChatRepository) CreateMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[params.ConversationId]; !ok {
		return Message{}, sql.ErrNoRows
	}

	// Postgres keeps microseconds; match it so cursors round-trip.
	createdAt := m.now().UTC().Truncate(time.Microsecond)
	msgs := m.messages[params.ConversationId]
	if n := len(msgs); n > 0 && !createdAt.After(msgs[n-1].CreatedAt) {
		createdAt = msgs[n-1].CreatedAt.Add(time.Microsecond)
	}

	m.nextMessageId++
	msg := Message{
		Id:             m.nextMessageId,
		ConversationId: params.ConversationId,
		SenderId:       params.SenderId,
		ReceiverId:     params.ReceiverId,
		Content:        params.Content,
		CreatedAt:      createdAt,
	}
	m.messages[params.ConversationId] = append(msgs, msg)

	return msg, nil
}

func (m *MemoryChatRepository) GetMessages(_ context.Context, conversationId string, before *time.Time, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationId]
	out := make([]Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if before != nil && !msgs[i].CreatedAt.Before(*before) {
			continue
		}
		out = append(out, msgs[i])
	}

	return out, nil
}

func (m *MemoryChatRepository) GetLastMessage(ctx context.Context, conversationId string) (*Message, error) {
	msgs, err := m.GetMessages(ctx, conversationId, nil, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}

	return &msgs[0], nil
}

func (m *MemoryChatRepository) MarkMessagesRead(_ context.Context, conversationId, receiverId string) (int64, error) {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	msgs := m.messages[conversationId]
	for i := range msgs {
		if msgs[i].ReceiverId == receiverId && !msgs[i].IsRead {
			msgs[i].IsRead = true
			n++
		}
	}

	return n, nil
}

// SetClock replaces the clock used to stamp users and messages.
func (m *MemoryChatRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
