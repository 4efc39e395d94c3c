package contextwindow

import "github.com/entrepeneur4lyf/threadbridge/internal/llm"

// Result describes a trimmed conversation
type Result struct {
	Messages []llm.Message
	// Tokens is the counted size of Messages.
	Tokens int
	// Dropped is the number of history messages left out.
	Dropped int
	// OverBudget is set only when the most recent message alone is returned
	// because the leading pair plus that message already exceed the budget.
	OverBudget bool
}

// Trim fits messages into budget tokens.
//
// The first two messages are a fixed leading pair and the last message is the
// one being answered; both are always kept. Older history is added newest
// first while it fits, stopping at the first message that does not. When the
// pair and the last message alone exceed budget, only the last message is
// returned. Shrinking budget never grows the kept set.
func Trim(messages []llm.Message, budget int, counter Counter) Result {
	n := len(messages)
	if n == 0 {
		return Result{}
	}

	last := messages[n-1]
	if n <= 3 {
		if tokens := counter.CountMessages(messages); tokens <= budget {
			return Result{Messages: clone(messages), Tokens: tokens}
		}
		return fallback(last, n-1, budget, counter)
	}

	lead := messages[:2]
	middle := messages[2 : n-1]

	base := make([]llm.Message, 0, n)
	base = append(base, lead...)
	base = append(base, last)
	if counter.CountMessages(base) > budget {
		return fallback(last, n-1, budget, counter)
	}

	// Walk the middle newest first. kept is in reverse chronological order.
	var kept []llm.Message
	for i := len(middle) - 1; i >= 0; i-- {
		candidate := assemble(lead, append(kept, middle[i]), last)
		if counter.CountMessages(candidate) > budget {
			break
		}
		kept = append(kept, middle[i])
	}

	out := assemble(lead, kept, last)
	return Result{
		Messages: out,
		Tokens:   counter.CountMessages(out),
		Dropped:  len(middle) - len(kept),
	}
}

func fallback(last llm.Message, dropped, budget int, counter Counter) Result {
	only := []llm.Message{last}
	tokens := counter.CountMessages(only)
	return Result{Messages: only, Tokens: tokens, Dropped: dropped, OverBudget: tokens > budget}
}

// assemble builds lead + reverse(keptNewestFirst) + last
func assemble(lead, keptNewestFirst []llm.Message, last llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(lead)+len(keptNewestFirst)+1)
	out = append(out, lead...)
	for i := len(keptNewestFirst) - 1; i >= 0; i-- {
		out = append(out, keptNewestFirst[i])
	}
	return append(out, last)
}

func clone(messages []llm.Message) []llm.Message {
	return append([]llm.Message(nil), messages...)
}
