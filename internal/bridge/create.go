package bridge

import (
	"context"
	"fmt"

	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
	"golang.org/x/sync/errgroup"
)

// maxParallelUploads bounds attachment uploads for one message
const maxParallelUploads = 4

func (e *Engine) onCreate(ctx context.Context, msg chat.Message) error {
	// Assistant turns come from runs; bot output is never mirrored.
	if e.isOwnMessage(msg) {
		return nil
	}
	triggering := e.isTriggering(msg)

	if !msg.InThread {
		if !triggering {
			return nil
		}
		return e.startThread(ctx, msg)
	}

	rel, found, err := e.relations.Get(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to look up thread relation: %w", err)
	}
	if !found {
		if !triggering {
			return nil
		}
		return e.oneShot(ctx, msg)
	}

	sessionID := rel.AssistantSessionID
	if !rel.HasSession() {
		// The relation survived its session; start over with a fresh one.
		if sessionID, err = e.provider.CreateSession(ctx, nil); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		if err := e.relations.Upsert(ctx, msg.ChannelID, sessionID); err != nil {
			return fmt.Errorf("failed to store thread relation: %w", err)
		}
		e.logger.Info("session recreated", "thread", msg.ChannelID, "session", sessionID)
	}

	sessionMsg, err := e.toSessionMessage(ctx, msg, msg.ChannelID)
	if err != nil {
		return err
	}
	// Issued even while a run may be active; the retry policy absorbs the
	// provider's conflict errors.
	if _, err := e.provider.AppendMessage(ctx, sessionID, sessionMsg, e.opts.Retry); err != nil {
		return err
	}
	e.logger.Debug("message appended", "thread", msg.ChannelID, "session", sessionID, "message", msg.ID)

	if triggering {
		ref := msg.Ref()
		e.startRender(ctx, sessionID, render.ReplyTarget(ref), &ref)
	}
	return nil
}

// startThread opens a thread from a triggering channel message and answers
// inside it
func (e *Engine) startThread(ctx context.Context, msg chat.Message) error {
	sessionID, err := e.provider.CreateSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	// A thread started from a message shares the message's id.
	threadID := msg.ID
	if err := e.relations.Upsert(ctx, threadID, sessionID); err != nil {
		return fmt.Errorf("failed to store thread relation: %w", err)
	}

	thread, err := e.platform.CreateThread(ctx, msg.Ref(), chat.ThreadName(msg.Content, sessionID))
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	if thread.ID != "" && thread.ID != threadID {
		if err := e.relations.Upsert(ctx, thread.ID, sessionID); err != nil {
			return fmt.Errorf("failed to store thread relation: %w", err)
		}
		if err := e.relations.Delete(ctx, threadID); err != nil {
			e.logger.Warn("failed to drop predicted relation", "thread", threadID, "err", err)
		}
		threadID = thread.ID
	}
	e.logger.Info("thread started", "thread", threadID, "session", sessionID)

	sessionMsg, err := e.toSessionMessage(ctx, msg, threadID)
	if err != nil {
		return err
	}
	if _, err := e.provider.AppendMessage(ctx, sessionID, sessionMsg, e.opts.Retry); err != nil {
		return err
	}

	ref := msg.Ref()
	e.startRender(ctx, sessionID, render.ChannelTarget(threadID), &ref)
	return nil
}

// toSessionMessage builds the assistant-session copy of a chat message,
// uploading its attachments
func (e *Engine) toSessionMessage(ctx context.Context, msg chat.Message, threadID string) (llm.Message, error) {
	files, err := e.uploadAttachments(ctx, msg.Attachments)
	if err != nil {
		return llm.Message{}, err
	}

	out := llm.Message{
		Role:        llm.RoleUser,
		Attachments: files,
		Origin:      llm.Origin{MessageID: msg.ID, ThreadID: threadID, AttachmentIDs: e.mirroredAttachments(msg)},
	}
	if msg.Content != "" {
		out.Content = append(out.Content, llm.TextBlock{Text: msg.Content})
	}
	for _, f := range files {
		if f.IsImage {
			out.Content = append(out.Content, llm.ImageFileBlock{FileID: f.ID})
		}
	}
	return out, nil
}

// mirroredAttachments returns the ids of the attachments that are uploaded
// with msg
func (e *Engine) mirroredAttachments(msg chat.Message) []string {
	if e.uploader == nil {
		return nil
	}
	var ids []string
	for _, a := range msg.Attachments {
		ids = append(ids, a.ID)
	}
	return ids
}

// uploadAttachments uploads in parallel; the first failure cancels the rest
func (e *Engine) uploadAttachments(ctx context.Context, attachments []chat.Attachment) ([]llm.FileRef, error) {
	if len(attachments) == 0 || e.uploader == nil {
		return nil, nil
	}

	files := make([]llm.FileRef, len(attachments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for i, a := range attachments {
		g.Go(func() error {
			ref, err := e.uploader.Upload(gctx, a.URL, a.Filename)
			if err != nil {
				if llm.KindOf(err) == llm.AttachmentUploadFailed {
					return err
				}
				return llm.NewUploadError(a.Filename, err)
			}
			files[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}
