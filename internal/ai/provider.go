package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is the narrow shape the rest of the system consumes. Provider
// adapters map their raw wire payloads onto it; dynamic/optional upstream
// fields never leak past this package.
type Chunk struct {
	Content string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error)
}
