package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ProviderAdapter sends requests to one model provider.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Handler is the downstream step a Middleware delegates to.
type Handler func(ctx context.Context, req Request) (*Response, error)

// Middleware decorates a model call.
type Middleware func(ctx context.Context, req Request, next Handler) (*Response, error)

// Client routes requests to a registered adapter by provider name and runs
// them through its middleware, first registered outermost.
type Client struct {
	adapters   map[string]ProviderAdapter
	fallback   string
	middleware []Middleware
}

type ClientOption func(*Client)

// WithProvider registers adapter under name. The first registered provider
// serves requests that do not name one.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		if c.fallback == "" {
			c.fallback = name
		}
		c.adapters[name] = adapter
	}
}

func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: map[string]ProviderAdapter{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Providers lists registered provider names in sorted order.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) route(provider string) (ProviderAdapter, error) {
	if provider == "" {
		provider = c.fallback
	}
	if provider == "" {
		return nil, ErrNoProvider
	}
	a, ok := c.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Complete validates req, resolves its provider and sends it.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, err := c.route(req.Provider)
	if err != nil {
		return nil, err
	}
	req.Provider = adapter.Name()

	h := Handler(adapter.Complete)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw, next := c.middleware[i], h
		h = func(ctx context.Context, r Request) (*Response, error) { return mw(ctx, r, next) }
	}
	return h(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	var errs []error
	for _, name := range c.Providers() {
		if closer, ok := c.adapters[name].(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// LoggingMiddleware logs each model call with its outcome, token usage and
// latency.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(ctx context.Context, req Request, next Handler) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Int("messages", len(req.Messages)),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("model call failed", append(fields, zap.String("kind", string(KindOf(err))), zap.Error(err))...)
			return nil, err
		}
		logger.Debug("model call",
			append(fields,
				zap.String("finish_reason", string(resp.FinishReason)),
				zap.Int("tool_calls", len(resp.ToolCalls())),
				zap.Int("total_tokens", resp.Usage.TotalTokens),
			)...)
		return resp, nil
	}
}
