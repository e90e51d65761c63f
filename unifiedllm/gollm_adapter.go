package unifiedllm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves requests through a gollm.LLM. gollm exposes a single
// prompt-in, text-out call, so requests are flattened into a transcript
// prompt and tool calls are parsed back out of the generated text.
type GollmAdapter struct {
	provider string
	model    string

	mu  sync.Mutex // SetOption mutates llm for the duration of a call
	llm gollm.LLM
}

type gollmSettings struct {
	model       string
	maxTokens   int
	temperature float64
}

// GollmOption configures NewGollmAdapter.
type GollmOption func(*gollmSettings)

// WithModel sets the model used when a Request leaves Model empty.
func WithModel(model string) GollmOption {
	return func(s *gollmSettings) { s.model = model }
}

// WithMaxTokens sets the default output cap. Non-positive values keep the
// default of 4096.
func WithMaxTokens(n int) GollmOption {
	return func(s *gollmSettings) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) GollmOption {
	return func(s *gollmSettings) { s.temperature = t }
}

// NewGollmAdapter creates an adapter for provider. An empty apiKey lets
// gollm read the provider's key from the environment. gollm's own retries
// are disabled; use RetryMiddleware on the Client instead.
func NewGollmAdapter(provider, apiKey string, opts ...GollmOption) (*GollmAdapter, error) {
	s := gollmSettings{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(&s)
	}
	if s.model == "" {
		s.model = fallbackModel(provider)
	}

	config := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(s.model),
		gollm.SetMaxTokens(s.maxTokens),
		gollm.SetTemperature(s.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		config = append(config, gollm.SetAPIKey(apiKey))
	}
	llm, err := gollm.NewLLM(config...)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, model: s.model, llm: llm}, nil
}

func fallbackModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "ollama":
		return "llama3.1"
	default:
		return "gpt-4o-mini"
	}
}

// Name returns the provider the adapter was created for.
func (a *GollmAdapter) Name() string { return a.provider }

// Complete sends req as a single prompt. Model, Temperature and MaxTokens
// set on req are applied to the underlying LLM before generating.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.prompt(req)

	a.mu.Lock()
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyError(a.provider, err)
	}
	return a.response(req, text), nil
}

// prompt converts req into a gollm prompt with the system messages as the
// system prompt and the rest of the transcript as the body.
func (a *GollmAdapter) prompt(req Request) *gollm.Prompt {
	system, body := flattenTranscript(req.Messages)

	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			}
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != "" {
		opts = append(opts, gollm.WithToolChoice(string(req.ToolChoice)))
	}
	return gollm.NewPrompt(body, opts...)
}

// response wraps generated text. Usage is estimated at four bytes per
// token since gollm does not report it.
func (a *GollmAdapter) response(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, prose := extractToolCalls(text)
	msg := Message{Role: RoleAssistant}
	if prose != "" || len(calls) == 0 {
		msg.Content = append(msg.Content, TextPart(prose))
	}
	for _, c := range calls {
		msg.Content = append(msg.Content, ToolCallPart(c.ID, c.Name, c.Arguments))
	}

	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	}
	in, out := estimateInputTokens(req.Messages), len(text)/4
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		Raw: map[string]any{
			"provider": a.provider,
			"model":    model,
			"text":     text,
		},
	}
}

// errorPatterns classifies gollm failures, which arrive as plain text.
// The first matching row wins.
var errorPatterns = []struct {
	kind    ErrorKind
	status  int
	needles []string
}{
	{KindAuthentication, 401, []string{"401", "unauthorized", "invalid api key", "invalid key"}},
	{KindPermission, 403, []string{"403", "forbidden"}},
	{KindRateLimit, 429, []string{"429", "rate limit", "too many requests"}},
	{KindContextLength, 413, []string{"context length", "context window", "too many tokens", "maximum context"}},
	{KindNotFound, 404, []string{"404", "model not found", "not found"}},
	{KindServer, 500, []string{"500", "502", "503", "internal server", "bad gateway", "overloaded"}},
	{KindTimeout, 0, []string{"timeout", "deadline exceeded"}},
	{KindContentFilter, 0, []string{"content filter", "safety"}},
	{KindNetwork, 0, []string{"connection refused", "connection reset", "no such host"}},
	{KindInvalidRequest, 400, []string{"400", "bad request", "invalid request"}},
}

func classifyError(provider string, err error) *ProviderError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, p := range errorPatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return &ProviderError{Provider: provider, Kind: p.kind, Status: p.status, Message: msg, Err: err}
			}
		}
	}
	return &ProviderError{Provider: provider, Kind: KindUnknown, Message: msg, Err: err}
}
