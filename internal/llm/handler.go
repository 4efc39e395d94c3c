package llm

import (
	"context"
	"strings"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Metadata keys carried by every session message created for a chat message
const (
	MetadataMessageID     = "discord_message_id"
	MetadataThreadID      = "discord_thread_id"
	MetadataAttachmentIDs = "discord_attachment_ids"
)

// Message is a conversation message as seen by both the chat platform and the
// assistant session
type Message struct {
	// ID is the provider's message id; empty for messages not yet stored.
	ID          string         `json:"id,omitempty"`
	Role        string         `json:"role"`
	Content     []ContentBlock `json:"content"`
	Attachments []FileRef      `json:"attachments,omitempty"`
	Origin      Origin         `json:"origin"`
	// Name identifies the author on the one-shot path.
	Name string `json:"name,omitempty"`
}

// Origin points back at the chat message a session message was created for
type Origin struct {
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	// AttachmentIDs lists the chat attachments uploaded with the message.
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// Metadata renders the origin as provider metadata
func (o Origin) Metadata() map[string]string {
	if o.MessageID == "" && o.ThreadID == "" {
		return nil
	}
	md := map[string]string{
		MetadataMessageID: o.MessageID,
		MetadataThreadID:  o.ThreadID,
	}
	if len(o.AttachmentIDs) > 0 {
		md[MetadataAttachmentIDs] = strings.Join(o.AttachmentIDs, ",")
	}
	return md
}

// OriginFromMetadata is the inverse of Origin.Metadata
func OriginFromMetadata(md map[string]string) Origin {
	o := Origin{MessageID: md[MetadataMessageID], ThreadID: md[MetadataThreadID]}
	if ids := md[MetadataAttachmentIDs]; ids != "" {
		o.AttachmentIDs = strings.Split(ids, ",")
	}
	return o
}

// Text concatenates the message's text blocks
func (m Message) Text() string {
	var parts []string
	for _, block := range m.Content {
		if t, ok := block.(TextBlock); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ContentBlock represents different types of content in a message
type ContentBlock interface {
	Type() string
}

// TextBlock represents text content
type TextBlock struct {
	Text string `json:"text"`
}

func (t TextBlock) Type() string { return "text" }

// ImageFileBlock references an image uploaded to the provider
type ImageFileBlock struct {
	FileID string `json:"file_id"`
}

func (i ImageFileBlock) Type() string { return "image_file" }

// ImageURLBlock references an image by URL
type ImageURLBlock struct {
	URL string `json:"url"`
}

func (i ImageURLBlock) Type() string { return "image_url" }

// FileRef is an opaque reference to an uploaded file
type FileRef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsImage bool   `json:"is_image,omitempty"`
}

// ListFilter narrows ListMessages
type ListFilter struct {
	// RunID restricts the listing to messages produced by one run.
	RunID string
}

// SessionProvider is a stateful assistant backend holding conversations as
// sessions of messages
type SessionProvider interface {
	// CreateSession creates a session, optionally seeded with messages.
	CreateSession(ctx context.Context, seed []Message) (string, error)

	// AppendMessage adds a message to a session, retrying rate-limit and
	// conflict errors according to policy.
	AppendMessage(ctx context.Context, sessionID string, msg Message, policy RetryPolicy) (Message, error)

	// CreateRun starts the assistant on the session. The stream ends after a
	// terminal event or when ctx is cancelled.
	CreateRun(ctx context.Context, sessionID string) (RunStream, error)

	// ListMessages returns the session's messages oldest first.
	ListMessages(ctx context.Context, sessionID string, filter ListFilter) ([]Message, error)

	DeleteMessage(ctx context.Context, sessionID, messageID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Completer issues a single stateless completion over a message list
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Uploader stores a remote attachment with the provider
type Uploader interface {
	Upload(ctx context.Context, url, name string) (FileRef, error)
}
