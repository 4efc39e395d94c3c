// Package render streams an assistant run into chat messages, editing a
// target message on a fixed cadence and chaining new messages when the text
// outgrows the platform limit.
package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/clock"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
)

// Status is the lifecycle state of a StreamSession
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDraining  Status = "draining"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	maxEmbeds     = 10
	emptyResponse = "(no response)"
)

// Options configures a Renderer
type Options struct {
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	CompletionEmoji  string        `mapstructure:"completion_emoji"`
}

// DefaultOptions matches Discord's limits
func DefaultOptions() Options {
	return Options{
		FlushInterval:    time.Second,
		MaxMessageLength: chat.MaxMessageLength,
		CompletionEmoji:  "✅",
	}
}

// Target says where the first message of a response goes
type Target struct {
	// ReplyTo, when set, makes the first message a reply.
	ReplyTo *chat.MessageRef
	// ChannelID receives a plain message when ReplyTo is nil.
	ChannelID string
}

// ReplyTarget replies to ref
func ReplyTarget(ref chat.MessageRef) Target {
	return Target{ReplyTo: &ref}
}

// ChannelTarget posts into channelID
func ChannelTarget(channelID string) Target {
	return Target{ChannelID: channelID}
}

// Renderer starts runs and renders them into a chat platform
type Renderer struct {
	platform chat.Platform
	provider llm.SessionProvider
	clock    clock.Clock
	opts     Options
	logger   *log.Logger
}

// NewRenderer creates a renderer. Zero option fields take their defaults.
func NewRenderer(platform chat.Platform, provider llm.SessionProvider, clk clock.Clock, opts Options, logger *log.Logger) *Renderer {
	defaults := DefaultOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaults.MaxMessageLength
	}
	if opts.CompletionEmoji == "" {
		opts.CompletionEmoji = defaults.CompletionEmoji
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Renderer{
		platform: platform,
		provider: provider,
		clock:    clk,
		opts:     opts,
		logger:   logger.With("component", "renderer"),
	}
}

// StreamSession is the state of one rendered run. It is owned by the
// goroutine running Render and is never shared.
type StreamSession struct {
	SessionID string
	RunID     string
	Status    Status

	buffer      strings.Builder
	target      chat.MessageRef
	lastContent string
	lastKind    string
	citations   []llm.Citation
	ticker      *clock.Ticker

	// Messages lists every chat message written for the run, in order.
	Messages []chat.MessageRef
	// Text is the complete generated text.
	Text  string
	Ticks int
	Edits int
}

// Render sends a placeholder, runs the assistant on sessionID and streams
// the output until the run ends. The returned session is never nil.
func (r *Renderer) Render(ctx context.Context, sessionID string, target Target) (*StreamSession, error) {
	s := &StreamSession{SessionID: sessionID, Status: StatusPending, lastKind: string(StatusPending)}
	defer s.stopTicker()

	placeholder, err := r.sendFirst(ctx, target, annotation(r.clock.Now(), s.lastKind))
	if err != nil {
		s.Status = StatusFailed
		return s, fmt.Errorf("failed to send placeholder: %w", err)
	}
	s.target = placeholder.Ref()
	s.lastContent = placeholder.Content
	s.Messages = append(s.Messages, s.target)

	stream, err := r.provider.CreateRun(ctx, sessionID)
	if err != nil {
		s.Status = StatusFailed
		return s, fmt.Errorf("failed to create run: %w", err)
	}

	var full strings.Builder
	for {
		var tick <-chan time.Time
		if s.ticker != nil {
			tick = s.ticker.C
		}

		select {
		case <-ctx.Done():
			s.Status = StatusCancelled
			s.Text = full.String()
			return s, ctx.Err()

		case event, ok := <-stream:
			if !ok {
				stream = nil
				if s.Status == StatusDraining {
					continue
				}
				s.Status = StatusFailed
				s.Text = full.String()
				return s, &llm.ProviderError{
					Kind:    llm.ProviderTerminal,
					Code:    "stream_closed",
					Message: "run stream ended without a terminal event",
				}
			}

			s.lastKind = event.Kind()
			switch e := event.(type) {
			case llm.RunStartedEvent:
				s.RunID = e.RunID
				r.startStreaming(s)

			case llm.MessageDeltaEvent:
				r.startStreaming(s)
				s.buffer.WriteString(e.Text)
				full.WriteString(e.Text)
				s.citations = append(s.citations, e.Citations...)

			case llm.RunCompletedEvent:
				if e.RunID != "" {
					s.RunID = e.RunID
				}
				r.startStreaming(s)
				s.Status = StatusDraining
				// Nothing follows a terminal event.
				stream = nil

			case llm.RunFailedEvent:
				s.Status = StatusFailed
				s.Text = full.String()
				r.logger.Warn("run failed", "session", sessionID, "run", e.RunID, "status", e.Status, "code", e.Code)
				return s, e.Err()
			}

		case <-tick:
			s.Ticks++
			final := s.Status == StatusDraining
			if err := r.flush(ctx, s, final); err != nil {
				s.Text = full.String()
				if ctx.Err() != nil {
					s.Status = StatusCancelled
					return s, ctx.Err()
				}
				s.Status = StatusFailed
				return s, err
			}
			if final {
				s.Text = full.String()
				if err := r.platform.React(ctx, s.target, r.opts.CompletionEmoji); err != nil {
					r.logger.Warn("failed to add completion reaction", "message", s.target.MessageID, "err", err)
				}
				s.Status = StatusCompleted
				r.logger.Debug("run rendered", "session", sessionID, "run", s.RunID,
					"messages", len(s.Messages), "ticks", s.Ticks, "edits", s.Edits)
				return s, nil
			}
		}
	}
}

func (r *Renderer) sendFirst(ctx context.Context, target Target, content string) (chat.Message, error) {
	if target.ReplyTo != nil {
		return r.platform.Reply(ctx, *target.ReplyTo, content)
	}
	return r.platform.Send(ctx, target.ChannelID, content)
}

// startStreaming starts the flush ticker on the first sign of life from
// the run
func (r *Renderer) startStreaming(s *StreamSession) {
	if s.ticker == nil {
		s.ticker = r.clock.NewTicker(r.opts.FlushInterval)
	}
	if s.Status == StatusPending {
		s.Status = StatusStreaming
	}
}

// flush writes the buffer out. It edits the target at most once.
func (r *Renderer) flush(ctx context.Context, s *StreamSession, final bool) error {
	limit := r.opts.MaxMessageLength
	text := s.buffer.String()

	var embeds []chat.Embed
	if final {
		embeds = citationEmbeds(s.citations)
	}

	if runeLen(text) > limit {
		chunks := SplitRunes(text, limit)
		if err := r.edit(ctx, s, chunks[0], nil); err != nil {
			return err
		}
		for i, chunk := range chunks[1:] {
			var extra []chat.Embed
			if i == len(chunks)-2 {
				extra = embeds
			}
			msg, err := r.platform.Reply(ctx, s.target, chunk, extra...)
			if err != nil {
				return fmt.Errorf("failed to send continuation: %w", err)
			}
			s.target = msg.Ref()
			s.lastContent = chunk
			s.Messages = append(s.Messages, s.target)
		}
		tail := chunks[len(chunks)-1]
		s.buffer.Reset()
		s.buffer.WriteString(tail)
		return nil
	}

	content := text
	switch {
	case final && content == "":
		content = emptyResponse
	case !final:
		note := annotation(r.clock.Now(), s.lastKind)
		withNote := note
		if text != "" {
			withNote = text + "\n" + note
		}
		if runeLen(withNote) <= limit {
			content = withNote
		}
	}
	if content == "" {
		return nil
	}
	return r.edit(ctx, s, content, embeds)
}

func (r *Renderer) edit(ctx context.Context, s *StreamSession, content string, embeds []chat.Embed) error {
	if content == s.lastContent && len(embeds) == 0 {
		return nil
	}
	if _, err := r.platform.Edit(ctx, s.target, content, embeds...); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	s.lastContent = content
	s.Edits++
	return nil
}

func (s *StreamSession) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

func citationEmbeds(citations []llm.Citation) []chat.Embed {
	var embeds []chat.Embed
	for _, c := range citations {
		if len(embeds) == maxEmbeds {
			break
		}
		desc := c.Text + c.Quote
		if desc == "" {
			continue
		}
		embeds = append(embeds, chat.Embed{Description: desc})
	}
	return embeds
}
