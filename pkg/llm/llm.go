// Package llm provides the chat-completions client used by agent loops.
// The provider is any OpenAI-compatible endpoint; responses surface as a
// finite channel of chunks so the loop consumes one shape regardless of
// whether the backend streamed.
package llm

import (
	"context"

	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of an agent transcript.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall

	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string
	ToolName   string
}

// ToolCall is an LLM's request to invoke a registered tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON object text
}

// ToolSpec is one entry of the function-calling catalogue sent to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-Schema object
}

// ToolChoice constrains the model's tool use for one call.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// Request is one Generate call.
type Request struct {
	Messages   []Message
	Tools      []ToolSpec
	ToolChoice ToolChoice
}

// Client is the provider interface. Generate returns a finite channel of
// chunks, closed when the response is complete; provider errors are delivered
// as ErrorChunk values so the consumer sees one shape. A non-nil error return
// means the call could not start at all.
type Client interface {
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)
	Close() error
}

// Chunk is the interface for response chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk carries assistant text.
type TextChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ PromptTokens, CompletionTokens, TotalTokens int }

// ErrorChunk signals a provider failure after the call started.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Response is a fully drained Generate call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     models.TokenUsage
}

// Collect drains a chunk channel into a Response. An ErrorChunk aborts the
// drain and surfaces as a typed error carrying the chunk's retryability.
func Collect(ctx context.Context, ch <-chan Chunk) (*Response, error) {
	resp := &Response{}
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return resp, nil
			}
			switch c := chunk.(type) {
			case *TextChunk:
				resp.Text += c.Content
			case *ToolCallChunk:
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
			case *UsageChunk:
				resp.Usage.Add(models.TokenUsage{
					PromptTokens:     c.PromptTokens,
					CompletionTokens: c.CompletionTokens,
					TotalTokens:      c.TotalTokens,
				})
			case *ErrorChunk:
				if c.Retryable {
					return nil, oserr.New(oserr.KindLLMTransient, true, "%s", c.Message)
				}
				return nil, oserr.New(oserr.KindLLMFatal, false, "%s", c.Message)
			}
		case <-ctx.Done():
			return nil, oserr.Wrap(oserr.KindLLMTransient, true, ctx.Err())
		}
	}
}
