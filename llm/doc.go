// Package llm is a small provider-agnostic LLM client layer. It defines the
// message, request, response, and stream-event types the conversation engine
// exchanges with a model backend, a ProviderAdapter interface, a Client that
// routes requests to registered adapters, a typed error hierarchy with
// retryability classification, and retry-with-backoff helpers.
//
// Two adapters ship with the package:
//
//   - GollmAdapter wraps github.com/teilomillet/gollm and covers any provider
//     gollm speaks (OpenAI-protocol endpoints, Ollama, and others).
//   - AnthropicAdapter wraps the official Anthropic Go SDK with native
//     streaming, tool use, and prompt-cache annotations.
//
// Callers construct a Client explicitly and pass it to the engine; there is
// no process-wide default client.
package llm
