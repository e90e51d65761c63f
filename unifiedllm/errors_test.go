package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindForStatus(t *testing.T) {
	tests := map[int]ErrorKind{
		400: KindInvalidRequest,
		401: KindAuthentication,
		403: KindPermission,
		404: KindNotFound,
		408: KindTimeout,
		413: KindContextLength,
		422: KindInvalidRequest,
		429: KindRateLimit,
		500: KindServer,
		503: KindServer,
		418: KindUnknown,
	}
	for status, want := range tests {
		require.Equal(t, want, KindForStatus(status), "status %d", status)
	}
}

func TestIsRetryable(t *testing.T) {
	perr := func(kind ErrorKind) error { return &ProviderError{Provider: "openai", Kind: kind, Message: "x"} }

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", perr(KindRateLimit), true},
		{"server", perr(KindServer), true},
		{"timeout", perr(KindTimeout), true},
		{"network", perr(KindNetwork), true},
		{"unknown provider failure", perr(KindUnknown), true},
		{"authentication", perr(KindAuthentication), false},
		{"context length", perr(KindContextLength), false},
		{"content filter", perr(KindContentFilter), false},
		{"wrapped", fmt.Errorf("call: %w", perr(KindServer)), true},
		{"canceled", context.Canceled, false},
		{"invalid request", fmt.Errorf("%w: no messages", ErrInvalidRequest), false},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestProviderErrorFormatting(t *testing.T) {
	cause := errors.New("upstream said no")
	err := &ProviderError{Provider: "anthropic", Kind: KindRateLimit, Status: 429, Message: "slow down", Err: cause}
	require.Equal(t, "anthropic: rate_limit error (status 429): slow down", err.Error())
	require.ErrorIs(t, err, cause)

	bare := &ProviderError{Provider: "ollama", Kind: KindNetwork, Message: "refused"}
	require.Equal(t, "ollama: network error: refused", bare.Error())
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindServer, KindOf(fmt.Errorf("x: %w", &ProviderError{Kind: KindServer})))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
