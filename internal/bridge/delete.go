package bridge

import (
	"context"
	"fmt"

	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
)

func (e *Engine) onDelete(ctx context.Context, ev chat.MessageDeleted) error {
	// Deleting a thread root removes the whole conversation.
	rel, found, err := e.relations.Get(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to look up thread relation: %w", err)
	}
	if found {
		if rel.HasSession() {
			if err := e.provider.DeleteSession(ctx, rel.AssistantSessionID); err != nil {
				e.logger.Warn("failed to delete session", "thread", ev.ID, "session", rel.AssistantSessionID, "err", err)
			}
		}
		if err := e.relations.Delete(ctx, ev.ID); err != nil {
			return fmt.Errorf("failed to delete thread relation: %w", err)
		}
		e.logger.Info("thread relation removed", "thread", ev.ID, "session", rel.AssistantSessionID)
		return nil
	}

	if !ev.InThread {
		return nil
	}

	rel, found, err = e.relations.Get(ctx, ev.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to look up thread relation: %w", err)
	}
	if !found || !rel.HasSession() {
		return nil
	}

	messages, err := e.provider.ListMessages(ctx, rel.AssistantSessionID, llm.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list session messages: %w", err)
	}
	for _, m := range messages {
		if m.Origin.MessageID != ev.ID {
			continue
		}
		if err := e.provider.DeleteMessage(ctx, rel.AssistantSessionID, m.ID); err != nil {
			return fmt.Errorf("failed to delete session message: %w", err)
		}
		e.logger.Debug("session message removed", "thread", ev.ChannelID, "message", ev.ID)
		return nil
	}
	return nil
}
