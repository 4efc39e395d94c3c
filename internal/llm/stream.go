package llm

import "strings"

// RunStream delivers the events of one assistant run. The producer closes the
// channel after the terminal event or when its context is cancelled.
type RunStream <-chan RunEvent

// Run event kinds
const (
	EventRunStarted   = "run.started"
	EventMessageDelta = "message.delta"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// RunEvent represents different types of run events
type RunEvent interface {
	Kind() string
}

// RunStartedEvent is emitted once the provider accepted the run
type RunStartedEvent struct {
	RunID string `json:"run_id"`
}

func (e RunStartedEvent) Kind() string { return EventRunStarted }

// MessageDeltaEvent carries newly generated text
type MessageDeltaEvent struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
}

func (e MessageDeltaEvent) Kind() string { return EventMessageDelta }

// RunCompletedEvent ends a successful run
type RunCompletedEvent struct {
	RunID string `json:"run_id"`
}

func (e RunCompletedEvent) Kind() string { return EventRunCompleted }

// RunFailedEvent ends a run that failed, was cancelled, expired or stopped
// incomplete. Status holds the provider's terminal status.
type RunFailedEvent struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e RunFailedEvent) Kind() string { return EventRunFailed }

// Err converts the event into a terminal provider error
func (e RunFailedEvent) Err() error {
	return &ProviderError{
		Kind:    ProviderTerminal,
		Code:    firstNonEmpty(e.Code, e.Status),
		Message: firstNonEmpty(e.Message, "run "+e.Status),
	}
}

// Citation is a file citation annotation attached to generated text
type Citation struct {
	Text   string `json:"text"`
	Quote  string `json:"quote,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// CollectText drains a stream and returns the concatenated deltas. It stops at
// the first failure event.
func CollectText(stream RunStream) (string, error) {
	var b strings.Builder
	for event := range stream {
		switch e := event.(type) {
		case MessageDeltaEvent:
			b.WriteString(e.Text)
		case RunFailedEvent:
			return b.String(), e.Err()
		}
	}
	return b.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
