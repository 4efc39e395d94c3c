// Package bridge keeps chat threads and assistant sessions in sync. It reacts
// to message create, edit and delete events, maintains the thread relation
// store and hands runs to the renderer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/contextwindow"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
	"github.com/entrepeneur4lyf/threadbridge/internal/storage"
)

// ErrEditCorrelationMiss means an edited message has no copy in the
// assistant session. The engine logs it and does nothing else.
var ErrEditCorrelationMiss = errors.New("edited message not found in assistant session")

// Options tunes the engine
type Options struct {
	// Retry governs speculative appends while a run may hold the session.
	Retry llm.RetryPolicy
	// SystemPrompt leads every one-shot completion.
	SystemPrompt string
	// TokenBudget bounds the one-shot prompt.
	TokenBudget int
	// HistoryLimit is how many chat messages are fetched for the one-shot
	// path and for edit cleanup.
	HistoryLimit     int
	MaxMessageLength int
}

// DefaultOptions returns the engine defaults
func DefaultOptions() Options {
	return Options{
		Retry:            llm.DefaultRetryPolicy,
		SystemPrompt:     "You are a helpful assistant in a Discord thread.",
		TokenBudget:      8000,
		HistoryLimit:     100,
		MaxMessageLength: chat.MaxMessageLength,
	}
}

// Deps are the collaborators the engine drives
type Deps struct {
	Platform  chat.Platform
	Relations storage.RelationStore
	Provider  llm.SessionProvider
	Uploader  llm.Uploader
	Completer llm.Completer
	Counter   contextwindow.Counter
	Renderer  *render.Renderer
	Logger    *log.Logger
}

// Engine is the conversation synchronization engine
type Engine struct {
	platform  chat.Platform
	relations storage.RelationStore
	provider  llm.SessionProvider
	uploader  llm.Uploader
	completer llm.Completer
	counter   contextwindow.Counter
	renderer  *render.Renderer
	opts      Options
	logger    *log.Logger

	// renders tracks runs handed off to the renderer.
	renders sync.WaitGroup
}

// NewEngine creates an engine. Platform, Relations, Provider and Renderer
// are required.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.Platform == nil || deps.Relations == nil || deps.Provider == nil || deps.Renderer == nil {
		return nil, fmt.Errorf("bridge: platform, relations, provider and renderer are required")
	}

	defaults := DefaultOptions()
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = defaults.Retry
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = defaults.TokenBudget
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaults.HistoryLimit
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaults.MaxMessageLength
	}
	if deps.Counter == nil {
		deps.Counter = contextwindow.NewTokenCounter(contextwindow.HeuristicEncoder{})
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	return &Engine{
		platform:  deps.Platform,
		relations: deps.Relations,
		provider:  deps.Provider,
		uploader:  deps.Uploader,
		completer: deps.Completer,
		counter:   deps.Counter,
		renderer:  deps.Renderer,
		opts:      opts,
		logger:    deps.Logger.With("component", "bridge"),
	}, nil
}

// Handle processes one chat event. It matches events.HandlerFunc so the
// per-thread dispatcher can call it directly. Errors are reported back into
// the chat and never returned.
func (e *Engine) Handle(ctx context.Context, key string, ev chat.Event) {
	origin := originOf(ev)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", "key", key, "kind", ev.Kind(), "panic", r)
			e.replyError(ctx, origin, "Panic", fmt.Sprint(r))
		}
	}()

	var err error
	switch ev := ev.(type) {
	case chat.MessageCreated:
		err = e.onCreate(ctx, ev.Message)
	case chat.MessageUpdated:
		err = e.onEdit(ctx, ev.Message)
	case chat.MessageDeleted:
		err = e.onDelete(ctx, ev)
	default:
		err = fmt.Errorf("unsupported event %T", ev)
	}

	if err != nil {
		e.report(ctx, key, origin, err)
	}
}

// Wait blocks until every handed-off render has finished
func (e *Engine) Wait() {
	e.renders.Wait()
}

// startRender runs the renderer on its own goroutine so the thread's
// dispatcher can accept further messages while the run streams
func (e *Engine) startRender(ctx context.Context, sessionID string, target render.Target, origin *chat.MessageRef) {
	typingChannel := target.ChannelID
	if target.ReplyTo != nil {
		typingChannel = target.ReplyTo.ChannelID
	}
	if err := e.platform.Typing(ctx, typingChannel); err != nil {
		e.logger.Debug("failed to send typing", "channel", typingChannel, "err", err)
	}

	e.renders.Add(1)
	go func() {
		defer e.renders.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("render panicked", "session", sessionID, "panic", r)
				e.replyError(ctx, origin, "Panic", fmt.Sprint(r))
			}
		}()

		s, err := e.renderer.Render(ctx, sessionID, target)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("render cancelled", "session", sessionID, "run", s.RunID)
				return
			}
			e.report(ctx, sessionID, origin, err)
			return
		}
		e.logger.Info("response delivered", "session", sessionID, "run", s.RunID, "messages", len(s.Messages))
	}()
}

// report logs err and replies to origin with a JSON error body
func (e *Engine) report(ctx context.Context, key string, origin *chat.MessageRef, err error) {
	if errors.Is(err, ErrEditCorrelationMiss) {
		e.logger.Info("edit ignored", "key", key, "err", err)
		return
	}

	e.logger.Error("failed to handle event", "key", key, "err", err)
	name := string(llm.KindOf(err))
	if name == "" {
		name = "Error"
	}
	e.replyError(ctx, origin, name, err.Error())
}

type errorReply struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Engine) replyError(ctx context.Context, origin *chat.MessageRef, name, message string) {
	if origin == nil || ctx.Err() != nil {
		return
	}
	body, err := json.Marshal(errorReply{Name: name, Message: message})
	if err != nil {
		return
	}
	content := string(body)
	if chunks := render.SplitRunes(content, e.opts.MaxMessageLength); len(chunks) > 1 {
		content = chunks[0]
	}
	if _, err := e.platform.Reply(ctx, *origin, content); err != nil {
		e.logger.Warn("failed to report error", "channel", origin.ChannelID, "err", err)
	}
}

func originOf(ev chat.Event) *chat.MessageRef {
	switch ev := ev.(type) {
	case chat.MessageCreated:
		ref := ev.Message.Ref()
		return &ref
	case chat.MessageUpdated:
		ref := ev.Message.Ref()
		return &ref
	}
	return nil
}

// isTriggering reports whether msg asks the bot for an answer: it mentions
// the bot, does not ping everyone and was written by a human
func (e *Engine) isTriggering(msg chat.Message) bool {
	return msg.Mentions(e.platform.BotUserID()) && !msg.MentionsEveryone && !msg.Author.Bot
}

func (e *Engine) isOwnMessage(msg chat.Message) bool {
	return msg.Author.Bot || msg.Author.ID == e.platform.BotUserID()
}
