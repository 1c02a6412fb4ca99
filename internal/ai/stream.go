package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when streaming ends; at most one error is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// StreamEngine adapts a channel based StreamProvider to the Engine callbacks.
type StreamEngine struct {
	Provider StreamProvider
}

func (e StreamEngine) Send(ctx context.Context, messages []Message, h StreamHandler) error {
	chunks, errs := e.Provider.StreamChat(ctx, messages)
	for c := range chunks {
		h.OnMessage(Delta{Content: c, Role: "assistant"})
	}

	// errs is closed before chunks, so a pending error is already buffered
	return finish(ctx, h, "", <-errs)
}

// finish reports the terminal callback of one Send. An empty reason means "stop".
// Nothing is reported once ctx is cancelled.
func finish(ctx context.Context, h StreamHandler, reason string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		h.OnError(err)
		return err
	}
	if reason == "" {
		reason = "stop"
	}
	h.OnFinished(reason)
	return nil
}
