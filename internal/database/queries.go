package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	userColumns         = "id, name, email, password_hash, COALESCE(picture, ''), is_online, last_seen, created_at"
	conversationColumns = "id, user1_id, user2_id, is_archived1, is_archived2, is_muted1, is_muted2, " +
		"unread_count1, unread_count2, last_message_at, created_at"
	messageColumns = "id, conversation_id, sender_id, receiver_id, content, is_read, created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Picture,
		&u.IsOnline,
		&u.LastSeen,
		&u.CreatedAt,
	)

	return u, err
}

func scanConversation(row scanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.User1Id,
		&c.User2Id,
		&c.IsArchived1,
		&c.IsArchived2,
		&c.IsMuted1,
		&c.IsMuted2,
		&c.UnreadCount1,
		&c.UnreadCount2,
		&c.LastMessageAt,
		&c.CreatedAt,
	)

	return c, err
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.ReceiverId,
		&m.Content,
		&m.IsRead,
		&m.CreatedAt,
	)

	return m, err
}

// sideColumn returns the per-side column for side. Side is never user input.
func sideColumn(name string, side Side) (string, error) {
	switch side {
	case SideOne:
		return name + "1", nil
	case SideTwo:
		return name + "2", nil
	default:
		return "", fmt.Errorf("invalid conversation side %d", side)
	}
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	row := db.q.QueryRowContext(ctx,
		"INSERT INTO users (name, email, password_hash, picture) "+
			"VALUES ($1, $2, $3, NULLIF($4, '')) RETURNING "+userColumns,
		params.Name,
		params.Email,
		params.PasswordHash,
		params.Picture,
	)

	u, err := scanUser(row)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicate
	}

	return u, err
}

func (db *PgChatRepository) GetUserById(ctx context.Context, id string) (User, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1",
		id,
	)

	return scanUser(row)
}

func (db *PgChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)",
		email,
	)

	return scanUser(row)
}

func (db *PgChatRepository) ListUsers(ctx context.Context, excludeId, search string) ([]User, error) {
	rows, err := db.q.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users "+
			"WHERE id <> $1 AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR email ILIKE '%' || $2 || '%') "+
			"ORDER BY name ASC",
		excludeId,
		search,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	res, err := db.q.ExecContext(ctx,
		"UPDATE users SET is_online = $2, last_seen = COALESCE($3, last_seen) WHERE id = $1",
		id,
		online,
		sql.NullTime{Time: lastSeen, Valid: !lastSeen.IsZero()},
	)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgChatRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1",
		id,
	)

	return scanConversation(row)
}

func (db *PgChatRepository) GetConversationByPair(ctx context.Context, user1Id, user2Id string) (Conversation, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE user1_id = $1 AND user2_id = $2",
		user1Id,
		user2Id,
	)

	return scanConversation(row)
}

// CreateConversation inserts a new conversation. A conflicting pair yields
// ErrDuplicate without aborting an enclosing transaction.
func (db *PgChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	row := db.q.QueryRowContext(ctx,
		"INSERT INTO conversations (id, user1_id, user2_id, last_message_at, created_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT ON CONSTRAINT conversations_pair_key DO NOTHING "+
			"RETURNING "+conversationColumns,
		params.Id,
		params.User1Id,
		params.User2Id,
		params.CreatedAt,
	)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return Conversation{}, ErrDuplicate
	}

	return c, err
}

func (db *PgChatRepository) ListConversations(ctx context.Context, userId string, archived bool) ([]ConversationSummary, error) {
	query := `
		SELECT
			c.id, c.user1_id, c.user2_id, c.is_archived1, c.is_archived2, c.is_muted1, c.is_muted2,
			c.unread_count1, c.unread_count2, c.last_message_at, c.created_at,
			u.id, u.name, u.email, u.password_hash, COALESCE(u.picture, ''), u.is_online, u.last_seen, u.created_at,
			m.id, m.sender_id, m.receiver_id, m.content, m.is_read, m.created_at
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user1_id = $1 THEN c.user2_id ELSE c.user1_id END
		LEFT JOIN LATERAL (
			SELECT id, sender_id, receiver_id, content, is_read, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC
			LIMIT 1
		) m ON TRUE
		WHERE (c.user1_id = $1 AND c.is_archived1 = $2)
		   OR (c.user2_id = $1 AND c.is_archived2 = $2)
		ORDER BY c.last_message_at DESC, c.id ASC
	`

	rows, err := db.q.QueryContext(ctx, query, userId, archived)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			s           ConversationSummary
			msgId       sql.NullInt64
			msgSender   sql.NullString
			msgReceiver sql.NullString
			msgContent  sql.NullString
			msgIsRead   sql.NullBool
			msgCreated  sql.NullTime
		)

		err := rows.Scan(
			&s.Id,
			&s.User1Id,
			&s.User2Id,
			&s.IsArchived1,
			&s.IsArchived2,
			&s.IsMuted1,
			&s.IsMuted2,
			&s.UnreadCount1,
			&s.UnreadCount2,
			&s.LastMessageAt,
			&s.CreatedAt,
			&s.OtherUser.Id,
			&s.OtherUser.Name,
			&s.OtherUser.Email,
			&s.OtherUser.PasswordHash,
			&s.OtherUser.Picture,
			&s.OtherUser.IsOnline,
			&s.OtherUser.LastSeen,
			&s.OtherUser.CreatedAt,
			&msgId,
			&msgSender,
			&msgReceiver,
			&msgContent,
			&msgIsRead,
			&msgCreated,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if msgId.Valid {
			s.LastMessage = &Message{
				Id:             msgId.Int64,
				ConversationId: s.Id,
				SenderId:       msgSender.String,
				ReceiverId:     msgReceiver.String,
				Content:        msgContent.String,
				IsRead:         msgIsRead.Bool,
				CreatedAt:      msgCreated.Time,
			}
		}

		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return summaries, nil
}

func (db *PgChatRepository) UpdateConversationFlags(ctx context.Context, params UpdateConversationFlagsParams) (Conversation, error) {
	archivedCol, err := sideColumn("is_archived", params.Side)
	if err != nil {
		return Conversation{}, err
	}
	mutedCol, _ := sideColumn("is_muted", params.Side)

	var (
		sets = make([]string, 0, 2)
		args = []any{params.Id}
	)
	if params.IsArchived != nil {
		args = append(args, *params.IsArchived)
		sets = append(sets, fmt.Sprintf("%s = $%d", archivedCol, len(args)))
	}
	if params.IsMuted != nil {
		args = append(args, *params.IsMuted)
		sets = append(sets, fmt.Sprintf("%s = $%d", mutedCol, len(args)))
	}
	if len(sets) == 0 {
		return db.GetConversation(ctx, params.Id)
	}

	row := db.q.QueryRowContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = $1 RETURNING "+conversationColumns,
		args...,
	)

	return scanConversation(row)
}

func (db *PgChatRepository) ResetUnreadCount(ctx context.Context, id string, side Side) error {
	col, err := sideColumn("unread_count", side)
	if err != nil {
		return err
	}

	res, err := db.q.ExecContext(ctx, "UPDATE conversations SET "+col+" = 0 WHERE id = $1", id)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgChatRepository) MarkUnread(ctx context.Context, id string, side Side) error {
	col, err := sideColumn("unread_count", side)
	if err != nil {
		return err
	}

	res, err := db.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE conversations SET %[1]s = GREATEST(%[1]s, 1) WHERE id = $1", col),
		id,
	)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgChatRepository) IncrementUnreadCount(ctx context.Context, id string, side Side, at time.Time) error {
	col, err := sideColumn("unread_count", side)
	if err != nil {
		return err
	}

	res, err := db.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE conversations SET %[1]s = %[1]s + 1, last_message_at = GREATEST(last_message_at, $2) WHERE id = $1", col),
		id,
		at,
	)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgChatRepository) DeleteConversation(ctx context.Context, id string) error {
	return db.InTx(ctx, func(repo ChatRepository) error {
		tx := repo.(*PgChatRepository)

		if _, err := tx.q.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", id); err != nil {
			return err
		}

		res, err := tx.q.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
		if err != nil {
			return err
		}

		return requireAffected(res)
	})
}

// CreateMessage locks the owning conversation row and stamps the message
// strictly after the newest existing message of the conversation.
func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var msg Message
	err := db.InTx(ctx, func(repo ChatRepository) error {
		tx := repo.(*PgChatRepository)

		var id string
		err := tx.q.QueryRowContext(ctx,
			"SELECT id FROM conversations WHERE id = $1 FOR UPDATE",
			params.ConversationId,
		).Scan(&id)
		if err != nil {
			return err
		}

		row := tx.q.QueryRowContext(ctx,
			"INSERT INTO messages (conversation_id, sender_id, receiver_id, content, is_read, created_at) "+
				"VALUES ($1, $2, $3, $4, FALSE, GREATEST(clock_timestamp(), "+
				"(SELECT MAX(created_at) FROM messages WHERE conversation_id = $1) + INTERVAL '1 microsecond')) "+
				"RETURNING "+messageColumns,
			params.ConversationId,
			params.SenderId,
			params.ReceiverId,
			params.Content,
		)

		msg, err = scanMessage(row)
		return err
	})

	return msg, err
}

// GetMessages returns up to limit messages older than before, newest first.
func (db *PgChatRepository) GetMessages(ctx context.Context, conversationId string, before *time.Time, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = db.q.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages "+
				"WHERE conversation_id = $1 AND created_at < $2 ORDER BY created_at DESC, id DESC LIMIT $3",
			conversationId,
			*before,
			limit,
		)
	} else {
		rows, err = db.q.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages "+
				"WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
			conversationId,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) GetLastMessage(ctx context.Context, conversationId string) (*Message, error) {
	messages, err := db.GetMessages(ctx, conversationId, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	return &messages[0], nil
}

func (db *PgChatRepository) MarkMessagesRead(ctx context.Context, conversationId, receiverId string) (int64, error) {
	res, err := db.q.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read",
		conversationId,
		receiverId,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
