package providers

import (
	"context"
	"fmt"

	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/openai/openai-go"
)

// OpenAICompleter answers one-shot requests with chat completions
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter creates a completer for model
func NewOpenAICompleter(client *openai.Client, model string) *OpenAICompleter {
	if model == "" {
		model = string(openai.ChatModelGPT4o)
	}
	return &OpenAICompleter{client: client, model: model}
}

// Complete sends the whole message list and returns the first choice
func (c *OpenAICompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toChatMessages(messages),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", classifyOpenAIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toChatMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		text := msg.Text()

		switch msg.Role {
		case llm.RoleSystem:
			if text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		default:
			var parts []openai.ChatCompletionContentPartUnionParam
			if text != "" {
				parts = append(parts, openai.TextContentPart(text))
			}
			for _, block := range msg.Content {
				if img, ok := block.(llm.ImageURLBlock); ok {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: img.URL}))
				}
			}
			if len(parts) == 0 {
				parts = append(parts, openai.TextContentPart("(no text)"))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}
