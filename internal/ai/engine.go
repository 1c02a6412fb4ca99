package ai

import "context"

// Delta is one piece of assistant output. When IsFullText is set Content
// replaces everything received so far instead of being appended.
type Delta struct {
	Content    string
	Role       string
	IsFullText bool
}

// StreamHandler receives the output of one Send. Zero or more OnMessage calls
// are followed by at most one of OnFinished or OnError.
type StreamHandler interface {
	OnMessage(d Delta)
	OnFinished(reason string)
	OnError(err error)
}

// Engine produces an assistant reply for an ordered history. Send blocks until
// the reply is finished, has failed, or ctx is cancelled. After cancellation an
// engine may return without calling OnFinished or OnError.
type Engine interface {
	Send(ctx context.Context, messages []Message, h StreamHandler) error
}

// Capabilities are optional engine queries, used for display only.
type Capabilities interface {
	IsLoggedIn(ctx context.Context) (bool, error)
	IsLocal() bool
	SupportsCustomModel() bool
	ListModels(ctx context.Context) ([]string, error)
}

// ChatEngine adapts a non-streaming Provider: the whole reply arrives as a single full-text delta.
type ChatEngine struct {
	Provider Provider
}

func (e ChatEngine) Send(ctx context.Context, messages []Message, h StreamHandler) error {
	reply, err := e.Provider.Chat(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.OnError(err)
		return err
	}
	h.OnMessage(Delta{Content: reply, Role: "assistant", IsFullText: true})
	h.OnFinished("stop")
	return nil
}
