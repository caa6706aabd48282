package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/oserr"
)

// Retry policy constants. Rate-limit responses get a longer floor so the
// provider's window can actually drain before the next attempt.
const (
	retryInitialInterval = 2 * time.Second
	retryMaxInterval     = 45 * time.Second
	retryMaxElapsed      = 8 * time.Minute
	rateLimitFloor       = 30 * time.Second
)

// chatAPI is the subset of the go-openai client the adapter uses. Tests
// substitute a scripted implementation.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
// Calls are rate limited (when configured) and retried with exponential
// backoff + jitter on transient failures.
type OpenAIClient struct {
	api     chatAPI
	cfg     config.LLMConfig
	limiter *rate.Limiter
}

// NewOpenAIClient builds the production client from config. BaseURL must
// point at the provider's /v1 root.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	c := &OpenAIClient{
		api: openai.NewClientWithConfig(clientCfg),
		cfg: cfg,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return c
}

// newOpenAIClientWithAPI is the test seam.
func newOpenAIClientWithAPI(api chatAPI, cfg config.LLMConfig) *OpenAIClient {
	return &OpenAIClient{api: api, cfg: cfg}
}

// Generate implements Client. The returned channel carries the terminal
// chunks of one completed call: assistant text, tool calls in declared order,
// then usage. Failures past the retry budget arrive as a single ErrorChunk.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, oserr.Validation("llm request has no messages")
	}
	request := c.buildRequest(req)

	ch := make(chan Chunk, len(req.Messages)+8)
	go func() {
		defer close(ch)

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				ch <- &ErrorChunk{Message: fmt.Sprintf("rate limiter: %v", err), Retryable: true}
				return
			}
		}

		resp, err := c.callWithRetry(ctx, request)
		if err != nil {
			ch <- &ErrorChunk{Message: err.Error(), Retryable: classify(err) != classFatal}
			return
		}
		emitResponse(ch, resp)
	}()
	return ch, nil
}

// Close implements Client. The HTTP client holds no resources to release.
func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) buildRequest(req *Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	request := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	}
	for _, spec := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	if req.ToolChoice == ToolChoiceNone {
		request.ToolChoice = "none"
	}
	return request
}

func (c *OpenAIClient) callWithRetry(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	var rateLimited atomic.Bool

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = retryMaxElapsed

	operation := func() error {
		r, err := c.api.CreateChatCompletion(ctx, request)
		if err != nil {
			switch classify(err) {
			case classFatal:
				return backoff.Permanent(oserr.LLMFatal(err))
			case classRateLimited:
				rateLimited.Store(true)
				return oserr.LLMTransient(err)
			default:
				return oserr.LLMTransient(err)
			}
		}
		resp = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("LLM call failed, retrying", "error", err, "next_attempt_in", next.Round(time.Millisecond))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(&rateLimitBackOff{base: bo, floor: rateLimitFloor, limited: &rateLimited}, ctx), notify)
	return resp, err
}

// rateLimitBackOff lifts the next interval to a floor after a rate-limit
// error so the provider's window can drain. The flag is consumed per attempt.
type rateLimitBackOff struct {
	base    backoff.BackOff
	floor   time.Duration
	limited *atomic.Bool
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	d := b.base.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.limited.Swap(false) && d < b.floor {
		return b.floor
	}
	return d
}

func (b *rateLimitBackOff) Reset() { b.base.Reset() }

func emitResponse(ch chan<- Chunk, resp openai.ChatCompletionResponse) {
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			ch <- &TextChunk{Content: msg.Content}
		}
		for _, call := range msg.ToolCalls {
			ch <- &ToolCallChunk{
				CallID:    call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			}
		}
	}
	ch <- &UsageChunk{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
}
