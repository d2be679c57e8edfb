package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           string
	Name         string
	Email        string
	PasswordHash string
	Picture      string
	IsOnline     bool
	LastSeen     sql.NullTime
	CreatedAt    time.Time
}

// Side identifies one participant of a conversation. Conversations store
// their participants in canonical order so SideOne is always the
// lexicographically smaller user id.
type Side int

const (
	SideNone Side = iota
	SideOne
	SideTwo
)

func (s Side) Other() Side {
	switch s {
	case SideOne:
		return SideTwo
	case SideTwo:
		return SideOne
	default:
		return SideNone
	}
}

type Conversation struct {
	Id            string
	User1Id       string
	User2Id       string
	IsArchived1   bool
	IsArchived2   bool
	IsMuted1      bool
	IsMuted2      bool
	UnreadCount1  int
	UnreadCount2  int
	LastMessageAt time.Time
	CreatedAt     time.Time
}

func (c Conversation) SideOf(userId string) Side {
	switch userId {
	case c.User1Id:
		return SideOne
	case c.User2Id:
		return SideTwo
	default:
		return SideNone
	}
}

// OtherUserId returns the participant that is not userId.
func (c Conversation) OtherUserId(userId string) string {
	if userId == c.User1Id {
		return c.User2Id
	}

	return c.User1Id
}

func (c Conversation) UserId(side Side) string {
	if side == SideTwo {
		return c.User2Id
	}

	return c.User1Id
}

func (c Conversation) UnreadCount(side Side) int {
	if side == SideTwo {
		return c.UnreadCount2
	}

	return c.UnreadCount1
}

func (c Conversation) IsArchived(side Side) bool {
	if side == SideTwo {
		return c.IsArchived2
	}

	return c.IsArchived1
}

func (c Conversation) IsMuted(side Side) bool {
	if side == SideTwo {
		return c.IsMuted2
	}

	return c.IsMuted1
}

// ConversationSummary is a conversation as listed for one participant.
type ConversationSummary struct {
	Conversation
	OtherUser   User
	LastMessage *Message
}

type Message struct {
	Id             int64
	ConversationId string
	SenderId       string
	ReceiverId     string
	Content        string
	IsRead         bool
	CreatedAt      time.Time
}

type CreateUserParams struct {
	Name         string
	Email        string
	PasswordHash string
	Picture      string
}

type CreateConversationParams struct {
	Id        string
	User1Id   string
	User2Id   string
	CreatedAt time.Time
}

type UpdateConversationFlagsParams struct {
	Id         string
	Side       Side
	IsArchived *bool
	IsMuted    *bool
}

type CreateMessageParams struct {
	ConversationId string
	SenderId       string
	ReceiverId     string
	Content        string
}
