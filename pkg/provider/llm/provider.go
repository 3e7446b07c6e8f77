// Package llm defines the Provider interface for Large Language Model backends.
//
// captionist uses an LLM as one kind of translation backend: llmtranslate
// sends a batch of subtitle texts as a JSON object and parses the JSON object
// the model answers with. A Provider hides the vendor SDK behind one blocking
// completion call and reports the output budget of its model so callers can
// size their batches.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest carries everything the model needs for one reply.
// Messages must not be empty.
type CompletionRequest struct {
	// Instructions is sent ahead of Messages as a system turn.
	Instructions string

	Messages []Message

	// Temperature in [0.0, 2.0]. Zero keeps the backend default.
	Temperature float64

	// MaxTokens caps the reply length. Zero keeps the backend default.
	MaxTokens int

	// JSON asks the backend to constrain the reply to a single JSON object.
	// Backends without such a mode ignore it, so the instructions must still
	// ask for JSON.
	JSON bool
}

// StopReason tells why the model stopped generating.
type StopReason string

const (
	// StopEnd means the model finished on its own.
	StopEnd StopReason = "end"

	// StopLength means the reply hit MaxTokens or the model's output limit
	// and is cut off.
	StopLength StopReason = "length"

	// StopFiltered means the backend withheld part of the reply.
	StopFiltered StopReason = "filtered"
)

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	Content string
	Stop    StopReason
	Usage   Usage
}

// Truncated reports whether the reply was cut off before the model finished.
func (r *CompletionResponse) Truncated() bool { return r.Stop == StopLength }

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Limits reports the token limits of the configured model.
	Limits() Limits
}
