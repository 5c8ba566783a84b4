// Package unifiedllm is the provider-agnostic model backend used by the
// orchestration loop. It carries conversation messages and declared tool
// schemas to a provider adapter and returns either text or tool-call requests.
//
// # Architecture
//
//   - ProviderAdapter: one implementation per backend (AnthropicAdapter for
//     native tool use, GollmAdapter for everything gollm supports)
//   - Client: provider routing plus a middleware chain
//   - RateLimitMiddleware: a shared token bucket for all sessions
//   - Retry and Classify: backoff for transient failures and the
//     RateLimited / ModelUnavailable / InvalidRequest split
//
// # Quick Start
//
//	adapter := unifiedllm.NewAnthropicAdapter(os.Getenv("ANTHROPIC_API_KEY"), "", 4096)
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RateLimitMiddleware(unifiedllm.NewLimiter(60, 5))),
//	)
//
//	resp, err := unifiedllm.Retry(ctx, unifiedllm.DefaultRetryPolicy(),
//	    func(ctx context.Context) (*unifiedllm.Response, error) {
//	        return client.Complete(ctx, unifiedllm.Request{
//	            Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	        })
//	    })
//
// # Model Catalog
//
// A small catalog of known models supplies defaults and context windows:
//
//	info := unifiedllm.GetModelInfo("sonnet")
//	window := unifiedllm.ContextWindow(info.ID)
package unifiedllm
