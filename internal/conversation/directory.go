// Package conversation owns the one-row-per-pair conversation records and the
// per-participant state stored on them.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/database"
	"github.com/npezzotti/go-dm/internal/message"
	"github.com/teris-io/shortid"
)

// Flags is a partial update of the acting participant's flags.
type Flags struct {
	IsArchived *bool
	IsMuted    *bool
}

type Directory struct {
	repo  database.ChatRepository
	now   func() time.Time
	newId func() (string, error)
}

func NewDirectory(repo database.ChatRepository) *Directory {
	return &Directory{
		repo:  repo,
		now:   time.Now,
		newId: shortid.Generate,
	}
}

// With returns a directory bound to repo, typically a transaction.
func (d *Directory) With(repo database.ChatRepository) *Directory {
	cp := *d
	cp.repo = repo
	return &cp
}

// NormalizePair orders two user ids bytewise so both orderings of a pair map
// to the same conversation row.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}

	return a, b
}

// FindOrCreate returns the conversation between a and b, creating it on first
// contact. The boolean reports whether this call created it. Concurrent first
// contact is resolved by the pair's unique key and a single lookup retry.
func (d *Directory) FindOrCreate(ctx context.Context, a, b string) (database.Conversation, bool, error) {
	if a == b {
		return database.Conversation{}, false, apperr.InvalidOperation("cannot start a conversation with yourself")
	}

	first, second := NormalizePair(a, b)
	conv, err := d.repo.GetConversationByPair(ctx, first, second)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Conversation{}, false, apperr.Internal(fmt.Errorf("get conversation by pair: %w", err))
	}

	id, err := d.newId()
	if err != nil {
		return database.Conversation{}, false, apperr.Internal(fmt.Errorf("generate conversation id: %w", err))
	}

	conv, err = d.repo.CreateConversation(ctx, database.CreateConversationParams{
		Id:        id,
		User1Id:   first,
		User2Id:   second,
		CreatedAt: d.now().UTC(),
	})
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, database.ErrDuplicate) {
		return database.Conversation{}, false, apperr.Internal(fmt.Errorf("create conversation: %w", err))
	}

	conv, err = d.repo.GetConversationByPair(ctx, first, second)
	if err != nil {
		return database.Conversation{}, false, apperr.Internal(fmt.Errorf("get conversation after conflict: %w", err))
	}

	return conv, false, nil
}

// Authorize loads a conversation and resolves userId's side of it.
func (d *Directory) Authorize(ctx context.Context, id, userId string) (database.Conversation, database.Side, error) {
	conv, err := d.repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Conversation{}, database.SideNone, apperr.NotFound("conversation not found")
		}
		return database.Conversation{}, database.SideNone, apperr.Internal(fmt.Errorf("get conversation: %w", err))
	}

	side := conv.SideOf(userId)
	if side == database.SideNone {
		return database.Conversation{}, database.SideNone, apperr.Forbidden("not a participant of this conversation")
	}

	return conv, side, nil
}

// ListFor returns userId's conversations with the given archive state,
// most recently active first.
func (d *Directory) ListFor(ctx context.Context, userId string, archived bool) ([]database.ConversationSummary, error) {
	summaries, err := d.repo.ListConversations(ctx, userId, archived)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list conversations: %w", err))
	}

	return summaries, nil
}

func (d *Directory) SetFlags(ctx context.Context, id, actingUserId string, flags Flags) (database.Conversation, error) {
	conv, side, err := d.Authorize(ctx, id, actingUserId)
	if err != nil {
		return database.Conversation{}, err
	}

	if flags.IsArchived == nil && flags.IsMuted == nil {
		return conv, nil
	}

	conv, err = d.repo.UpdateConversationFlags(ctx, database.UpdateConversationFlagsParams{
		Id:         id,
		Side:       side,
		IsArchived: flags.IsArchived,
		IsMuted:    flags.IsMuted,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Conversation{}, apperr.NotFound("conversation not found")
		}
		return database.Conversation{}, apperr.Internal(fmt.Errorf("update conversation flags: %w", err))
	}

	return conv, nil
}

// MarkRead clears the acting side's unread counter and flips every message
// addressed to the acting user to read, in one transaction.
func (d *Directory) MarkRead(ctx context.Context, id, actingUserId string) (database.Conversation, error) {
	var conv database.Conversation
	err := d.repo.InTx(ctx, func(tx database.ChatRepository) error {
		c, side, err := d.With(tx).Authorize(ctx, id, actingUserId)
		if err != nil {
			return err
		}

		if err := tx.ResetUnreadCount(ctx, id, side); err != nil {
			return apperr.Internal(fmt.Errorf("reset unread count: %w", err))
		}

		if err := message.NewStore(tx).MarkAllRead(ctx, id, actingUserId); err != nil {
			return err
		}

		conv = c
		conv.UnreadCount1, conv.UnreadCount2 = resetSide(c, side)
		return nil
	})

	return conv, err
}

func resetSide(c database.Conversation, side database.Side) (int, int) {
	if side == database.SideOne {
		return 0, c.UnreadCount2
	}

	return c.UnreadCount1, 0
}

// MarkUnread flags the acting side as having unread messages. An existing
// non-zero count is kept.
func (d *Directory) MarkUnread(ctx context.Context, id, actingUserId string) error {
	_, side, err := d.Authorize(ctx, id, actingUserId)
	if err != nil {
		return err
	}

	if err := d.repo.MarkUnread(ctx, id, side); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("conversation not found")
		}
		return apperr.Internal(fmt.Errorf("mark unread: %w", err))
	}

	return nil
}

// IncrementUnread bumps the recipient's counter and advances lastMessageAt
// to at if it is later.
func (d *Directory) IncrementUnread(ctx context.Context, id string, recipient database.Side, at time.Time) error {
	if err := d.repo.IncrementUnreadCount(ctx, id, recipient, at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("conversation not found")
		}
		return apperr.Internal(fmt.Errorf("increment unread count: %w", err))
	}

	return nil
}

// Delete removes the conversation and its messages. The deleted
// conversation is returned so callers can notify the other participant.
func (d *Directory) Delete(ctx context.Context, id, actingUserId string) (database.Conversation, error) {
	conv, _, err := d.Authorize(ctx, id, actingUserId)
	if err != nil {
		return database.Conversation{}, err
	}

	if err := d.repo.DeleteConversation(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Conversation{}, apperr.NotFound("conversation not found")
		}
		return database.Conversation{}, apperr.Internal(fmt.Errorf("delete conversation: %w", err))
	}

	return conv, nil
}
