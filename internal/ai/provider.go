package ai

import "context"

// Message is one entry of the history handed to a provider: role and content only.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider answers a whole conversation in one call.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
