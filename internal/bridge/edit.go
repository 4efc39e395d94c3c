package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
)

// onEdit rebuilds the assistant session from the edited message on: a new
// session holds every message before the edit plus the edited version, the
// bot's later replies are removed and the assistant answers again.
func (e *Engine) onEdit(ctx context.Context, msg chat.Message) error {
	if e.isOwnMessage(msg) {
		return nil
	}

	// A thread root is edited in the parent channel and keys the thread.
	threadID := msg.ChannelID
	if !msg.InThread {
		threadID = msg.ID
	}

	rel, found, err := e.relations.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to look up thread relation: %w", err)
	}
	if !found || !rel.HasSession() {
		return nil
	}
	oldSession := rel.AssistantSessionID

	messages, err := e.provider.ListMessages(ctx, oldSession, llm.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list session messages: %w", err)
	}
	idx := -1
	for i, m := range messages {
		if m.Origin.MessageID == msg.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: message %s, session %s", ErrEditCorrelationMiss, msg.ID, oldSession)
	}
	if e.matchesSessionCopy(messages[idx], msg) {
		e.logger.Debug("update leaves session copy unchanged", "thread", threadID, "message", msg.ID)
		return nil
	}

	edited, err := e.toSessionMessage(ctx, msg, threadID)
	if err != nil {
		return err
	}
	seed := make([]llm.Message, 0, idx+1)
	seed = append(seed, messages[:idx]...)
	seed = append(seed, edited)

	newSession, err := e.provider.CreateSession(ctx, seed)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := e.relations.Upsert(ctx, threadID, newSession); err != nil {
		return fmt.Errorf("failed to store thread relation: %w", err)
	}
	e.logger.Info("session rebuilt after edit", "thread", threadID, "message", msg.ID,
		"old_session", oldSession, "new_session", newSession, "kept", idx)

	if err := e.provider.DeleteSession(ctx, oldSession); err != nil {
		e.logger.Warn("failed to delete superseded session", "session", oldSession, "err", err)
	}

	e.deleteRepliesAfter(ctx, threadID, msg.ID)

	target := render.ReplyTarget(msg.Ref())
	if threadID == msg.ID {
		if err := e.platform.RenameThread(ctx, threadID, chat.ThreadName(msg.Content, newSession)); err != nil {
			e.logger.Warn("failed to rename thread", "thread", threadID, "err", err)
		}
		target = render.ChannelTarget(threadID)
	}

	ref := msg.Ref()
	e.startRender(ctx, newSession, target, &ref)
	return nil
}

// matchesSessionCopy reports whether an update changed neither the text nor
// the attachments that were mirrored
func (e *Engine) matchesSessionCopy(stored llm.Message, msg chat.Message) bool {
	return stored.Text() == msg.Content &&
		slices.Equal(stored.Origin.AttachmentIDs, e.mirroredAttachments(msg))
}

// deleteRepliesAfter removes the bot's messages in the thread that were
// posted after messageID
func (e *Engine) deleteRepliesAfter(ctx context.Context, threadID, messageID string) {
	history, err := e.platform.FetchHistory(ctx, threadID, e.opts.HistoryLimit)
	if err != nil {
		e.logger.Warn("failed to fetch thread history", "thread", threadID, "err", err)
		return
	}

	botID := e.platform.BotUserID()
	deleted := 0
	for _, m := range history {
		if m.Author.ID != botID || !chat.IsNewer(m.ID, messageID) {
			continue
		}
		if err := e.platform.Delete(ctx, m.Ref()); err != nil && !errors.Is(err, chat.ErrNotFound) {
			e.logger.Warn("failed to delete stale reply", "thread", threadID, "message", m.ID, "err", err)
			continue
		}
		deleted++
	}
	e.logger.Debug("stale replies removed", "thread", threadID, "count", deleted)
}
