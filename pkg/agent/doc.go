// Package agent talks to the generative-language provider.
//
// Invariants:
// - A non-2xx upstream reply is returned as *StatusError and nothing else.
// - A 2xx reply whose body is not JSON is ErrMalformedResponse.
// - A 2xx JSON reply without candidate text yields empty Content, not an error.
//
// Usage:
//
//	provider := agent.NewGeminiProvider(agent.GeminiConfig{APIKey: key})
//	resp, err := provider.Call(ctx, agent.LLMRequest{
//		Messages:     []agent.AgentMessage{{Role: agent.RoleUser, Content: "What is grace?"}},
//		SystemPrompt: "You explain biblical concepts.",
//	})
//	_ = resp
package agent
