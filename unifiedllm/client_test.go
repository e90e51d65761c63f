package unifiedllm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubAdapter struct {
	name     string
	reply    string
	err      error
	closeErr error
	requests []Request
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Complete(_ context.Context, req Request) (*Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &Response{
		Provider:     s.name,
		Model:        req.Model,
		Message:      AssistantMessage(s.reply),
		FinishReason: FinishStop,
		Usage:        Usage{InputTokens: 3, OutputTokens: 1, TotalTokens: 4},
	}, nil
}

func (s *stubAdapter) Close() error { return s.closeErr }

func hello() Request {
	return Request{Model: "m", Messages: []Message{UserMessage("hello")}}
}

func TestClientRouting(t *testing.T) {
	openai := &stubAdapter{name: "openai", reply: "from openai"}
	ollama := &stubAdapter{name: "ollama", reply: "from ollama"}
	client := NewClient(WithProvider("openai", openai), WithProvider("ollama", ollama))
	require.Equal(t, []string{"ollama", "openai"}, client.Providers())

	resp, err := client.Complete(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, "from openai", resp.Text())
	require.Equal(t, "openai", openai.requests[0].Provider)

	req := hello()
	req.Provider = "ollama"
	resp, err = client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "from ollama", resp.Text())

	req.Provider = "gemini"
	_, err = client.Complete(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.ErrorContains(t, err, `"gemini"`)
}

func TestClientWithoutProvider(t *testing.T) {
	_, err := NewClient().Complete(context.Background(), hello())
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestClientRejectsInvalidRequest(t *testing.T) {
	adapter := &stubAdapter{name: "openai"}
	client := NewClient(WithProvider("openai", adapter))

	_, err := client.Complete(context.Background(), Request{Model: "m"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Empty(t, adapter.requests)
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(ctx context.Context, req Request, next Handler) (*Response, error) {
			order = append(order, name+" in")
			resp, err := next(ctx, req)
			order = append(order, name+" out")
			return resp, err
		}
	}
	client := NewClient(
		WithProvider("openai", &stubAdapter{name: "openai", reply: "ok"}),
		WithMiddleware(tag("outer"), tag("inner")),
	)

	_, err := client.Complete(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, []string{"outer in", "inner in", "inner out", "outer out"}, order)
}

func TestClientClose(t *testing.T) {
	ok := &stubAdapter{name: "a"}
	failing := &stubAdapter{name: "b", closeErr: errors.New("busy")}
	err := NewClient(WithProvider("a", ok), WithProvider("b", failing)).Close()
	require.EqualError(t, err, "close b: busy")

	require.NoError(t, NewClient(WithProvider("a", ok)).Close())
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := &stubAdapter{name: "openai", reply: "hi"}
	client := NewClient(WithProvider("openai", adapter), WithMiddleware(LoggingMiddleware(zap.New(core))))

	_, err := client.Complete(context.Background(), hello())
	require.NoError(t, err)
	entries := logs.FilterMessage("model call").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "openai", fields["provider"])
	require.Equal(t, "stop", fields["finish_reason"])
	require.EqualValues(t, 4, fields["total_tokens"])

	adapter.err = &ProviderError{Provider: "openai", Kind: KindRateLimit, Message: "slow"}
	_, err = client.Complete(context.Background(), hello())
	require.Error(t, err)
	failed := logs.FilterMessage("model call failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, zapcore.WarnLevel, failed[0].Level)
	require.Equal(t, "rate_limit", failed[0].ContextMap()["kind"])
}
