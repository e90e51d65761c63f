// Package unifiedllm is drowcoder's model client. A Client routes each
// Request to a ProviderAdapter by provider name and runs it through a
// middleware chain; GollmAdapter serves every provider gollm
// (github.com/teilomillet/gollm) supports.
//
//	adapter, err := unifiedllm.NewGollmAdapter("openai", key, unifiedllm.WithModel("gpt-4o-mini"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(
//	        unifiedllm.LoggingMiddleware(logger),
//	        unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy()),
//	    ),
//	)
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// Tool definitions travel on Request.Tools. Calls come back as
// ContentToolCall parts of the reply; results go back as RoleTool messages
// built with ToolResultMessage. Requests are validated before dispatch, so a
// tool result whose call is missing from the transcript never reaches a
// provider.
//
// Provider failures are reported as *ProviderError with an ErrorKind;
// IsRetryable decides what RetryMiddleware re-sends.
package unifiedllm
