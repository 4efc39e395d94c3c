package chat

import (
	"errors"
	"fmt"
)

// EventKind names a gateway event
type EventKind string

const (
	KindMessageCreated EventKind = "message.created"
	KindMessageUpdated EventKind = "message.updated"
	KindMessageDeleted EventKind = "message.deleted"
)

// Event is one of MessageCreated, MessageUpdated or MessageDeleted
type Event interface {
	Kind() EventKind
	// ThreadKey is the id of the conversation the event belongs to. For a
	// message outside a thread this is the message id, which is also the id
	// of any thread started from it.
	ThreadKey() string
	Validate() error
}

var ErrInvalidEvent = errors.New("invalid chat event")

// MessageCreated is a new message
type MessageCreated struct {
	Message Message `json:"message"`
}

func (e MessageCreated) Kind() EventKind   { return KindMessageCreated }
func (e MessageCreated) ThreadKey() string { return threadKey(e.Message.ID, e.Message.ChannelID, e.Message.InThread) }
func (e MessageCreated) Validate() error   { return validateMessage(e.Kind(), e.Message) }

// MessageUpdated carries the full edited message
type MessageUpdated struct {
	Message Message `json:"message"`
}

func (e MessageUpdated) Kind() EventKind   { return KindMessageUpdated }
func (e MessageUpdated) ThreadKey() string { return threadKey(e.Message.ID, e.Message.ChannelID, e.Message.InThread) }
func (e MessageUpdated) Validate() error   { return validateMessage(e.Kind(), e.Message) }

// MessageDeleted only knows where the message was
type MessageDeleted struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	InThread  bool   `json:"in_thread"`
}

func (e MessageDeleted) Kind() EventKind   { return KindMessageDeleted }
func (e MessageDeleted) ThreadKey() string { return threadKey(e.ID, e.ChannelID, e.InThread) }

func (e MessageDeleted) Validate() error {
	if e.ID == "" || e.ChannelID == "" {
		return fmt.Errorf("%w: %s without message or channel id", ErrInvalidEvent, e.Kind())
	}
	return nil
}

func threadKey(messageID, channelID string, inThread bool) string {
	if inThread {
		return channelID
	}
	return messageID
}

func validateMessage(kind EventKind, m Message) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: %s without message id", ErrInvalidEvent, kind)
	case m.ChannelID == "":
		return fmt.Errorf("%w: %s without channel id", ErrInvalidEvent, kind)
	case m.Author.ID == "":
		return fmt.Errorf("%w: %s without author", ErrInvalidEvent, kind)
	}
	return nil
}
