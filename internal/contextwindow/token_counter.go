// Package contextwindow trims a conversation to a token budget for the
// one-shot completion path.
package contextwindow

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/pkoukk/tiktoken-go"
)

// Chat formatting overhead, following OpenAI's published counting recipe
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPriming     = 3
	// tokensPerImage is the flat cost of a low-detail image part.
	tokensPerImage = 85
)

// TextEncoder counts the tokens of a plain string
type TextEncoder interface {
	CountText(text string) int
}

// Counter counts the prompt tokens of a whole message list
type Counter interface {
	CountMessages(messages []llm.Message) int
}

// TokenCounter applies chat overhead on top of a TextEncoder. The count of a
// list is the priming constant plus the sum of its messages, so adding a
// message never lowers it.
type TokenCounter struct {
	enc TextEncoder
}

// NewTokenCounter wraps enc
func NewTokenCounter(enc TextEncoder) *TokenCounter {
	return &TokenCounter{enc: enc}
}

// CountMessage returns the tokens one message contributes
func (tc *TokenCounter) CountMessage(msg llm.Message) int {
	n := tokensPerMessage + tc.enc.CountText(msg.Role)
	for _, block := range msg.Content {
		switch b := block.(type) {
		case llm.TextBlock:
			n += tc.enc.CountText(b.Text)
		case llm.ImageFileBlock, llm.ImageURLBlock:
			n += tokensPerImage
		}
	}
	if msg.Name != "" {
		n += tokensPerName + tc.enc.CountText(msg.Name)
	}
	return n
}

// CountMessages returns the prompt size of messages
func (tc *TokenCounter) CountMessages(messages []llm.Message) int {
	total := replyPriming
	for _, msg := range messages {
		total += tc.CountMessage(msg)
	}
	return total
}

// TiktokenEncoder counts with the model's BPE encoding
type TiktokenEncoder struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEncoder loads the encoding for model, falling back to
// cl100k_base for models tiktoken does not know
func NewTiktokenEncoder(model string) (*TiktokenEncoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
		}
	}
	return &TiktokenEncoder{enc: enc}, nil
}

func (t *TiktokenEncoder) CountText(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	specialPattern    = regexp.MustCompile(`[{}[\]().,;:!?'"<>]`)
)

// HeuristicEncoder estimates GPT tokens at about four characters each. It
// needs no BPE tables.
type HeuristicEncoder struct{}

func (HeuristicEncoder) CountText(text string) int {
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	charCount := utf8.RuneCountInString(text)

	tokenCount := charCount / 4
	tokenCount += len(specialPattern.FindAllString(text, -1)) / 2

	// Minimum 1 token for non-empty text
	if charCount > 0 && tokenCount == 0 {
		tokenCount = 1
	}
	return tokenCount
}
