package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/contextwindow"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
)

// oneShot answers a mention in a thread the bridge does not track with a
// single stateless completion over the visible history
func (e *Engine) oneShot(ctx context.Context, msg chat.Message) error {
	if e.completer == nil {
		e.logger.Debug("one-shot completion disabled", "thread", msg.ChannelID)
		return nil
	}

	history, err := e.platform.FetchHistory(ctx, msg.ChannelID, e.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch thread history: %w", err)
	}
	if len(history) == 0 || history[len(history)-1].ID != msg.ID {
		history = append(history, msg)
	}

	pinned, err := e.platform.FetchPinned(ctx, msg.ChannelID)
	if err != nil {
		e.logger.Warn("failed to fetch pinned messages", "channel", msg.ChannelID, "err", err)
	}

	prompt := e.leadingPair(pinned)
	botID := e.platform.BotUserID()
	for _, m := range history {
		if converted, ok := completionMessage(m, botID); ok {
			prompt = append(prompt, converted)
		}
	}

	window := contextwindow.Trim(prompt, e.opts.TokenBudget, e.counter)
	if window.Dropped > 0 || window.OverBudget {
		e.logger.Info("one-shot history trimmed", "thread", msg.ChannelID,
			"dropped", window.Dropped, "tokens", window.Tokens, "budget", e.opts.TokenBudget, "over_budget", window.OverBudget)
	}

	if err := e.platform.Typing(ctx, msg.ChannelID); err != nil {
		e.logger.Debug("failed to send typing", "channel", msg.ChannelID, "err", err)
	}

	answer, err := e.completer.Complete(ctx, window.Messages)
	if err != nil {
		return fmt.Errorf("failed to complete: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		answer = "(no response)"
	}

	to := msg.Ref()
	for _, chunk := range render.SplitRunes(answer, e.opts.MaxMessageLength) {
		sent, err := e.platform.Reply(ctx, to, chunk)
		if err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		to = sent.Ref()
	}
	return nil
}

// leadingPair is the fixed start of every one-shot prompt: the system prompt
// and the channel's pinned messages as standing context
func (e *Engine) leadingPair(pinned []chat.Message) []llm.Message {
	var notes []string
	for _, p := range pinned {
		if text := strings.TrimSpace(p.Content); text != "" {
			notes = append(notes, text)
		}
	}
	standing := ""
	if len(notes) > 0 {
		standing = "Pinned messages in this channel:\n" + strings.Join(notes, "\n---\n")
	}
	return []llm.Message{
		systemMessage(e.opts.SystemPrompt),
		systemMessage(standing),
	}
}

func systemMessage(text string) llm.Message {
	msg := llm.Message{Role: llm.RoleSystem}
	if text != "" {
		msg.Content = []llm.ContentBlock{llm.TextBlock{Text: text}}
	}
	return msg
}

// completionMessage converts a chat message for the one-shot prompt. Empty
// messages such as thread starters fall back to the message they reference.
func completionMessage(m chat.Message, botID string) (llm.Message, bool) {
	role := llm.RoleUser
	if botID != "" && m.Author.ID == botID {
		role = llm.RoleAssistant
	}

	content := m.Content
	if content == "" && m.Referenced != nil {
		content = m.Referenced.Content
	}

	out := llm.Message{Role: role, Origin: llm.Origin{MessageID: m.ID, ThreadID: m.ChannelID}}
	if content != "" {
		out.Content = append(out.Content, llm.TextBlock{Text: content})
	}
	if role == llm.RoleUser {
		for _, a := range m.Attachments {
			if a.IsImage() {
				out.Content = append(out.Content, llm.ImageURLBlock{URL: a.URL})
			}
		}
	}
	return out, len(out.Content) > 0
}
