package ai

import "context"

type Message struct {
	Role    string
	Content string
}

// Reply is a completed assistant turn from a provider.
type Reply struct {
	Content    string
	Model      string
	TokensUsed int
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (*Reply, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
