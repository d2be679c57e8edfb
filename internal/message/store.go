package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/database"
)

const (
	MaxContentLength = 5000
	DefaultPageSize  = 50
	MaxPageSize      = 100
)

// Page is a window of messages in chronological order.
type Page struct {
	Messages []database.Message
	// NextCursor is set when older messages remain.
	NextCursor *time.Time
	HasMore    bool
}

// Store is the ordered message log of each conversation.
type Store struct {
	repo database.ChatRepository
}

func NewStore(repo database.ChatRepository) *Store {
	return &Store{repo: repo}
}

// With returns a store bound to repo, typically a transaction.
func (s *Store) With(repo database.ChatRepository) *Store {
	return &Store{repo: repo}
}

// Validate trims content and checks its length in characters.
func Validate(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	n := utf8.RuneCountInString(trimmed)
	if n == 0 {
		return "", apperr.Validation("content", "content cannot be empty")
	}
	if n > MaxContentLength {
		return "", apperr.Validation("content", fmt.Sprintf("content cannot exceed %d characters", MaxContentLength))
	}
	// postgres text columns reject both
	if strings.ContainsRune(trimmed, 0) || !utf8.ValidString(trimmed) {
		return "", apperr.Validation("content", "content contains invalid characters")
	}

	return trimmed, nil
}

func (s *Store) Append(ctx context.Context, params database.CreateMessageParams) (database.Message, error) {
	content, err := Validate(params.Content)
	if err != nil {
		return database.Message{}, err
	}
	params.Content = content

	msg, err := s.repo.CreateMessage(ctx, params)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Message{}, apperr.NotFound("conversation not found")
		}
		return database.Message{}, apperr.Internal(fmt.Errorf("create message: %w", err))
	}

	return msg, nil
}

// Page returns up to limit messages older than cursor, oldest first. A nil
// cursor starts from the newest message.
func (s *Store) Page(ctx context.Context, conversationId string, cursor *time.Time, limit int) (Page, error) {
	limit = ClampLimit(limit)

	msgs, err := s.repo.GetMessages(ctx, conversationId, cursor, limit+1)
	if err != nil {
		return Page{}, apperr.Internal(fmt.Errorf("get messages: %w", err))
	}

	page := Page{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}

	// storage order is newest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = msgs

	if page.HasMore && len(msgs) > 0 {
		oldest := msgs[0].CreatedAt
		page.NextCursor = &oldest
	}

	return page, nil
}

func (s *Store) MarkAllRead(ctx context.Context, conversationId, recipientId string) error {
	if _, err := s.repo.MarkMessagesRead(ctx, conversationId, recipientId); err != nil {
		return apperr.Internal(fmt.Errorf("mark messages read: %w", err))
	}

	return nil
}

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseCursor parses a cursor produced by FormatCursor. An empty string is
// no cursor.
func ParseCursor(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, apperr.Validation("cursor", "cursor must be an RFC 3339 timestamp")
	}

	return &t, nil
}
