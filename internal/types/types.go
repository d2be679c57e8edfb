package types

import (
	"time"
)

type User struct {
	Id       string     `json:"id"`
	Name     string     `json:"name"`
	Email    string     `json:"email,omitempty"`
	Picture  string     `json:"picture,omitempty"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Message struct {
	Id             int64     `json:"id"`
	ConversationId string    `json:"conversationId"`
	SenderId       string    `json:"senderId"`
	ReceiverId     string    `json:"receiverId"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is a conversation as seen by one participant.
type Conversation struct {
	Id          string    `json:"id"`
	OtherUser   User      `json:"otherUser"`
	UnreadCount int       `json:"unreadCount"`
	IsArchived  bool      `json:"isArchived"`
	IsMuted     bool      `json:"isMuted"`
	LastMessage *Message  `json:"lastMessage"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

type ReadReceipt struct {
	ConversationId string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

type Typing struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type Presence struct {
	UserId   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ConversationDeleted struct {
	ConversationId string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
}
