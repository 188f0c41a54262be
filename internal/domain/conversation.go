package domain

import (
	"time"
	"unicode/utf8"
)

// titleRunes is how much of the first message becomes the title.
const titleRunes = 30

// StoredMessage is a serialized chat message entry.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is an archived transcript.
type Conversation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Level     string          `json:"level,omitempty"`
	Step      int             `json:"step"`
	Messages  []StoredMessage `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Level        string    `json:"level,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationTitle derives a title from the first user message.
func ConversationTitle(first string) string {
	if utf8.RuneCountInString(first) <= titleRunes {
		return first
	}
	runes := []rune(first)
	return string(runes[:titleRunes]) + "..."
}
