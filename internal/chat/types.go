// Package chat defines the chat-platform side of the bridge: message DTOs,
// the gateway event union and the Platform operations the engine calls.
package chat

import (
	"context"
	"strings"
	"time"
)

// Platform limits
const (
	MaxMessageLength  = 2000
	MaxThreadName     = 100
	ThreadArchiveMins = 1440
)

// User is a message author
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot"`
}

// Attachment is a file attached to a chat message
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// IsImage reports whether the attachment is a picture the assistant can see
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// MessageRef addresses a message
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Message is a chat message with mentions already rendered as @names
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	Author      User         `json:"author"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	// EditedAt is set once the author has edited the message.
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// MentionIDs lists the users mentioned in the message.
	MentionIDs       []string `json:"mention_ids,omitempty"`
	MentionsEveryone bool     `json:"mentions_everyone"`
	// InThread is set when ChannelID is a thread.
	InThread bool `json:"in_thread"`
	// Referenced is the message this one replies to or starts a thread from.
	Referenced *Message `json:"referenced,omitempty"`
}

// Ref returns the message's address
func (m Message) Ref() MessageRef {
	return MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}
}

// Mentions reports whether userID is mentioned
func (m Message) Mentions(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.MentionIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Channel is a text channel or thread
type Channel struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	OwnerID  string `json:"owner_id,omitempty"`
	IsThread bool   `json:"is_thread"`
}

// Embed is a rich block attached to a message
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Footer      string `json:"footer,omitempty"`
}

// Platform is the set of chat operations the bridge needs. Implementations
// must be safe for concurrent use.
type Platform interface {
	// BotUserID is the id of the bot's own user, known once connected.
	BotUserID() string

	Reply(ctx context.Context, to MessageRef, content string, embeds ...Embed) (Message, error)
	Send(ctx context.Context, channelID, content string, embeds ...Embed) (Message, error)
	Edit(ctx context.Context, ref MessageRef, content string, embeds ...Embed) (Message, error)
	React(ctx context.Context, ref MessageRef, emoji string) error
	Delete(ctx context.Context, ref MessageRef) error
	Pin(ctx context.Context, ref MessageRef) error

	// CreateThread starts a thread from an existing message.
	CreateThread(ctx context.Context, from MessageRef, name string) (Channel, error)
	RenameThread(ctx context.Context, threadID, name string) error

	// FetchHistory returns up to limit of the channel's latest messages,
	// oldest first.
	FetchHistory(ctx context.Context, channelID string, limit int) ([]Message, error)
	FetchPinned(ctx context.Context, channelID string) ([]Message, error)

	Channel(ctx context.Context, channelID string) (Channel, error)
	Typing(ctx context.Context, channelID string) error
}

// ThreadName derives a thread title from message content: the first
// non-empty line, cut to the platform limit
func ThreadName(content, fallback string) string {
	name := ""
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			name = line
			break
		}
	}
	if name == "" {
		name = fallback
	}
	runes := []rune(name)
	if len(runes) > MaxThreadName {
		name = string(runes[:MaxThreadName])
	}
	return name
}

// IsNewer reports whether snowflake a was created after snowflake b. Ids are
// decimal strings, so a longer id is always newer.
func IsNewer(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
