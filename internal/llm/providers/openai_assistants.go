package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/clock"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Run modes
const (
	RunModeStream = "stream"
	RunModePoll   = "poll"
)

// OpenAIOptions configures the OpenAI-backed providers
type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	AssistantID  string
	Model        string
	RunMode      string
	PollInterval time.Duration
	// MaxRetries is the SDK's own transport retry count, separate from the
	// append retry policy.
	MaxRetries int
	// Clock times the append backoff; nil uses the real clock.
	Clock clock.Clock
}

// NewOpenAIClient creates an SDK client from options
func NewOpenAIClient(opts OpenAIOptions) *openai.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(opts.MaxRetries))
	}

	client := openai.NewClient(reqOpts...)
	return &client
}

// OpenAIAssistantProvider implements llm.SessionProvider on the Assistants
// API. Sessions are assistant threads.
type OpenAIAssistantProvider struct {
	client  *openai.Client
	options OpenAIOptions
	logger  *log.Logger
}

// NewOpenAIAssistantProvider creates the provider
func NewOpenAIAssistantProvider(client *openai.Client, options OpenAIOptions, logger *log.Logger) (*OpenAIAssistantProvider, error) {
	if options.AssistantID == "" {
		return nil, fmt.Errorf("openai assistant id is required")
	}
	if options.RunMode == "" {
		options.RunMode = RunModeStream
	}
	if options.PollInterval <= 0 {
		options.PollInterval = time.Second
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if logger == nil {
		logger = log.Default()
	}

	return &OpenAIAssistantProvider{
		client:  client,
		options: options,
		logger:  logger.With("component", "openai-assistant"),
	}, nil
}

// CreateSession creates an assistant thread seeded with messages
func (p *OpenAIAssistantProvider) CreateSession(ctx context.Context, seed []llm.Message) (string, error) {
	params := openai.BetaThreadNewParams{}
	for _, msg := range seed {
		params.Messages = append(params.Messages, openai.BetaThreadNewParamsMessage{
			Role:        roleOf(msg),
			Content:     openai.BetaThreadNewParamsMessageContentUnion{OfArrayOfContentParts: contentParts(msg)},
			Attachments: threadAttachments(msg.Attachments),
			Metadata:    msg.Origin.Metadata(),
		})
	}

	thread, err := p.client.Beta.Threads.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", classifyOpenAIError(err))
	}

	p.logger.Debug("session created", "session", thread.ID, "seed", len(seed))
	return thread.ID, nil
}

// AppendMessage adds a message, retrying while a run holds the thread
func (p *OpenAIAssistantProvider) AppendMessage(ctx context.Context, sessionID string, msg llm.Message, policy llm.RetryPolicy) (llm.Message, error) {
	params := openai.BetaThreadMessageNewParams{
		Role:        openai.BetaThreadMessageNewParamsRole(roleOf(msg)),
		Content:     openai.BetaThreadMessageNewParamsContentUnion{OfArrayOfContentParts: contentParts(msg)},
		Attachments: messageAttachments(msg.Attachments),
		Metadata:    msg.Origin.Metadata(),
	}

	created, err := llm.RetryWithClock(ctx, p.options.Clock, policy, func(ctx context.Context, attempt int) (*openai.Message, error) {
		m, err := p.client.Beta.Threads.Messages.New(ctx, sessionID, params)
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		return m, nil
	}, func(attempt int, delay time.Duration, err error) {
		p.logger.Warn("append rejected, retrying", "session", sessionID, "attempt", attempt, "delay", delay, "err", err)
	})
	if err != nil {
		return llm.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	return fromOpenAIMessage(*created), nil
}

// CreateRun starts the assistant on the thread
func (p *OpenAIAssistantProvider) CreateRun(ctx context.Context, sessionID string) (llm.RunStream, error) {
	out := make(chan llm.RunEvent, 64)

	if p.options.RunMode == RunModePoll {
		go p.pollRun(ctx, sessionID, out)
	} else {
		go p.streamRun(ctx, sessionID, out)
	}
	return out, nil
}

// ListMessages pages through the thread oldest first
func (p *OpenAIAssistantProvider) ListMessages(ctx context.Context, sessionID string, filter llm.ListFilter) ([]llm.Message, error) {
	params := openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderAsc,
		Limit: openai.Int(100),
	}
	if filter.RunID != "" {
		params.RunID = openai.String(filter.RunID)
	}

	var messages []llm.Message
	iter := p.client.Beta.Threads.Messages.ListAutoPaging(ctx, sessionID, params)
	for iter.Next() {
		messages = append(messages, fromOpenAIMessage(iter.Current()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", classifyOpenAIError(err))
	}
	return messages, nil
}

// DeleteMessage removes one message from the thread
func (p *OpenAIAssistantProvider) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	if _, err := p.client.Beta.Threads.Messages.Delete(ctx, sessionID, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", classifyOpenAIError(err))
	}
	return nil
}

// DeleteSession deletes the whole thread
func (p *OpenAIAssistantProvider) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := p.client.Beta.Threads.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", classifyOpenAIError(err))
	}
	return nil
}

func (p *OpenAIAssistantProvider) streamRun(ctx context.Context, sessionID string, out chan<- llm.RunEvent) {
	defer close(out)

	stream := p.client.Beta.Threads.Runs.NewStreaming(ctx, sessionID, openai.BetaThreadRunNewParams{
		AssistantID: p.options.AssistantID,
	})
	defer stream.Close()

	send := func(event llm.RunEvent) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event, terminal := convertStreamEvent(stream.Current())
		if event == nil {
			continue
		}
		if !send(event) || terminal {
			return
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(failureFromError(err))
	}
}

func convertStreamEvent(ev openai.AssistantStreamEventUnion) (llm.RunEvent, bool) {
	switch ev.Event {
	case "thread.run.created":
		return llm.RunStartedEvent{RunID: ev.AsThreadRunCreated().Data.ID}, false
	case "thread.message.delta":
		delta := ev.AsThreadMessageDelta().Data.Delta
		var event llm.MessageDeltaEvent
		for _, part := range delta.Content {
			if part.Type != "text" {
				continue
			}
			event.Text += part.Text.Value
			for _, a := range part.Text.Annotations {
				if a.Type == "file_citation" {
					event.Citations = append(event.Citations, llm.Citation{
						Text:   a.Text,
						Quote:  a.FileCitation.Quote,
						FileID: a.FileCitation.FileID,
					})
				}
			}
		}
		if event.Text == "" && len(event.Citations) == 0 {
			return nil, false
		}
		return event, false
	case "thread.run.completed":
		return llm.RunCompletedEvent{RunID: ev.AsThreadRunCompleted().Data.ID}, true
	case "thread.run.failed":
		return failureFromRun(ev.AsThreadRunFailed().Data), true
	case "thread.run.cancelled":
		return failureFromRun(ev.AsThreadRunCancelled().Data), true
	case "thread.run.expired":
		return failureFromRun(ev.AsThreadRunExpired().Data), true
	case "thread.run.incomplete":
		return failureFromRun(ev.AsThreadRunIncomplete().Data), true
	case "thread.run.requires_action":
		run := ev.AsThreadRunRequiresAction().Data
		return llm.RunFailedEvent{RunID: run.ID, Status: string(run.Status), Message: "run requires tool outputs, which are not supported"}, true
	case "error":
		e := ev.AsErrorEvent().Data
		return llm.RunFailedEvent{Status: "error", Code: e.Code, Message: e.Message}, true
	}
	return nil, false
}

func failureFromRun(run openai.Run) llm.RunFailedEvent {
	event := llm.RunFailedEvent{
		RunID:   run.ID,
		Status:  string(run.Status),
		Code:    run.LastError.Code,
		Message: run.LastError.Message,
	}
	if event.Message == "" && run.IncompleteDetails.Reason != "" {
		event.Message = "incomplete: " + run.IncompleteDetails.Reason
	}
	return event
}

func failureFromError(err error) llm.RunFailedEvent {
	err = classifyOpenAIError(err)
	event := llm.RunFailedEvent{Status: "error", Message: err.Error()}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		event.Code = string(pe.Kind)
		if pe.Message != "" {
			event.Message = pe.Message
		}
	}
	return event
}

// pollRun creates the run and polls it to a terminal status. A failed run is
// re-created once unless it failed on a rate limit.
func (p *OpenAIAssistantProvider) pollRun(ctx context.Context, sessionID string, out chan<- llm.RunEvent) {
	defer close(out)

	send := func(event llm.RunEvent) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	recreated := false
	for {
		run, err := p.client.Beta.Threads.Runs.New(ctx, sessionID, openai.BetaThreadRunNewParams{
			AssistantID: p.options.AssistantID,
		})
		if err != nil {
			send(failureFromError(err))
			return
		}
		if !send(llm.RunStartedEvent{RunID: run.ID}) {
			return
		}

		final, err := p.waitForRun(ctx, sessionID, run)
		if err != nil {
			if ctx.Err() == nil {
				send(failureFromError(err))
			}
			return
		}

		if final.Status == openai.RunStatusCompleted {
			messages, err := p.ListMessages(ctx, sessionID, llm.ListFilter{RunID: final.ID})
			if err != nil {
				send(failureFromError(err))
				return
			}
			for _, msg := range messages {
				if msg.Role != llm.RoleAssistant {
					continue
				}
				if !send(llm.MessageDeltaEvent{Text: msg.Text()}) {
					return
				}
			}
			send(llm.RunCompletedEvent{RunID: final.ID})
			return
		}

		failure := failureFromRun(*final)
		if final.Status == openai.RunStatusFailed && !recreated && final.LastError.Code != "rate_limit_exceeded" {
			recreated = true
			p.logger.Warn("run failed, re-creating once", "session", sessionID, "run", final.ID, "code", failure.Code)
			continue
		}
		send(failure)
		return
	}
}

func (p *OpenAIAssistantProvider) waitForRun(ctx context.Context, sessionID string, run *openai.Run) (*openai.Run, error) {
	ticker := time.NewTicker(p.options.PollInterval)
	defer ticker.Stop()

	for {
		switch run.Status {
		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		default:
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		next, err := p.client.Beta.Threads.Runs.Get(ctx, sessionID, run.ID)
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		run = next
	}
}

func roleOf(msg llm.Message) string {
	if msg.Role == llm.RoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

func contentParts(msg llm.Message) []openai.MessageContentPartParamUnion {
	var parts []openai.MessageContentPartParamUnion
	for _, block := range msg.Content {
		switch b := block.(type) {
		case llm.TextBlock:
			if b.Text != "" {
				parts = append(parts, openai.MessageContentPartParamUnion{OfText: &openai.TextContentBlockParam{Text: b.Text}})
			}
		case llm.ImageFileBlock:
			parts = append(parts, openai.MessageContentPartParamUnion{OfImageFile: &openai.ImageFileContentBlockParam{
				ImageFile: openai.ImageFileParam{FileID: b.FileID},
			}})
		case llm.ImageURLBlock:
			parts = append(parts, openai.MessageContentPartParamUnion{OfImageURL: &openai.ImageURLContentBlockParam{
				ImageURL: openai.ImageURLParam{URL: b.URL},
			}})
		}
	}
	if len(parts) == 0 {
		// The API rejects messages without content.
		parts = append(parts, openai.MessageContentPartParamUnion{OfText: &openai.TextContentBlockParam{Text: "(no text)"}})
	}
	return parts
}

func threadAttachments(files []llm.FileRef) []openai.BetaThreadNewParamsMessageAttachment {
	var out []openai.BetaThreadNewParamsMessageAttachment
	for _, f := range files {
		if f.IsImage {
			continue
		}
		out = append(out, openai.BetaThreadNewParamsMessageAttachment{
			FileID: openai.String(f.ID),
			Tools: []openai.BetaThreadNewParamsMessageAttachmentToolUnion{
				{OfFileSearch: &openai.BetaThreadNewParamsMessageAttachmentToolFileSearch{}},
			},
		})
	}
	return out
}

func messageAttachments(files []llm.FileRef) []openai.BetaThreadMessageNewParamsAttachment {
	var out []openai.BetaThreadMessageNewParamsAttachment
	for _, f := range files {
		if f.IsImage {
			continue
		}
		out = append(out, openai.BetaThreadMessageNewParamsAttachment{
			FileID: openai.String(f.ID),
			Tools: []openai.BetaThreadMessageNewParamsAttachmentToolUnion{
				{OfFileSearch: &openai.BetaThreadMessageNewParamsAttachmentToolFileSearch{}},
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.Message) llm.Message {
	msg := llm.Message{
		ID:     m.ID,
		Role:   string(m.Role),
		Origin: llm.OriginFromMetadata(m.Metadata),
	}
	for _, c := range m.Content {
		switch c.Type {
		case "text":
			msg.Content = append(msg.Content, llm.TextBlock{Text: c.Text.Value})
		case "image_file":
			msg.Content = append(msg.Content, llm.ImageFileBlock{FileID: c.ImageFile.FileID})
		case "image_url":
			msg.Content = append(msg.Content, llm.ImageURLBlock{URL: c.ImageURL.URL})
		}
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, llm.FileRef{ID: a.FileID})
	}
	return msg
}

// classifyOpenAIError maps SDK errors onto the provider taxonomy
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	var header map[string][]string
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	return llm.ClassifyStatus(err, apiErr.StatusCode, apiErr.Code, apiErr.Message, header)
}
