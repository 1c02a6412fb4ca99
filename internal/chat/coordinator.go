package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/suPer8Hu/chat-core/internal/ai"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"go.uber.org/zap"
)

type TurnState string

const (
	TurnStreaming TurnState = "streaming"
	TurnCompleted TurnState = "completed"
	TurnCancelled TurnState = "cancelled"
	TurnErrored   TurnState = "errored"
)

func (s TurnState) Terminal() bool { return s != TurnStreaming }

// Turn is one in-flight assistant reply written into a placeholder message.
type Turn struct {
	SessionID     string
	UserMessageID string
	MessageID     string

	c      *Coordinator
	lease  Lease
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state TurnState
	err   error
}

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the engine failure of an Errored turn, nil otherwise.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn settles or ctx ends.
func (t *Turn) Wait(ctx context.Context) (TurnState, error) {
	select {
	case <-t.done:
		return t.State(), nil
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// Cancel stops the turn. The placeholder keeps whatever content was written.
// Cancelling a settled turn does nothing.
func (t *Turn) Cancel() {
	t.c.settle(t, TurnCancelled, nil)
}

// Coordinator drives streaming turns: it persists the user message and an
// empty assistant placeholder, feeds the history to the engine and applies
// each delta to the placeholder in arrival order.
type Coordinator struct {
	svc    *Service
	engine ai.Engine
	guard  TurnGuard
	log    *zap.Logger
	window int

	mu    sync.Mutex
	turns map[string]*Turn // live turns by placeholder id
}

type CoordinatorOption func(*Coordinator)

func WithGuard(g TurnGuard) CoordinatorOption {
	return func(c *Coordinator) {
		if g != nil {
			c.guard = g
		}
	}
}

func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = logging.OrNop(l) }
}

// WithHistoryWindow limits the history sent to the engine to the last n
// messages plus a leading system message. n <= 0 sends everything.
func WithHistoryWindow(n int) CoordinatorOption {
	return func(c *Coordinator) { c.window = n }
}

func NewCoordinator(svc *Service, engine ai.Engine, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		svc:    svc,
		engine: engine,
		guard:  NewLocalGuard(),
		log:    zap.NewNop(),
		turns:  make(map[string]*Turn),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type SendRequest struct {
	// SessionID may be empty: a session titled after Content is created.
	SessionID string
	Content   string
	Meta      map[string]any
}

// Send starts a turn and returns once the user message and the placeholder
// are persisted; the reply streams in the background. The turn outlives ctx,
// use Turn.Cancel to stop it.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (*Turn, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyInput
	}

	sessionID := req.SessionID
	if sessionID == "" {
		id, err := c.svc.CreateSession(ctx, CreateSessionOptions{Title: titleFrom(req.Content)})
		if err != nil {
			return nil, err
		}
		sessionID = id
	} else if _, err := c.svc.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	lease, err := c.guard.Acquire(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat: acquire turn: %w", err)
	}
	if lease == nil {
		return nil, ErrTurnInFlight
	}

	t, history, err := c.prepare(ctx, sessionID, req)
	if err != nil {
		c.release(sessionID, lease)
		return nil, err
	}
	t.lease = lease

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	c.mu.Lock()
	c.turns[t.MessageID] = t
	c.mu.Unlock()

	c.log.Debug("turn streaming",
		zap.String("session_id", sessionID),
		zap.String("message_id", t.MessageID),
		zap.Int("history", len(history)))

	go c.run(turnCtx, t, history)
	return t, nil
}

func (c *Coordinator) prepare(ctx context.Context, sessionID string, req SendRequest) (*Turn, []ai.Message, error) {
	userID, err := c.svc.AddMessage(ctx, sessionID, RoleUser, req.Content, req.Meta)
	if err != nil {
		return nil, nil, err
	}
	placeholderID, err := c.svc.AddMessage(ctx, sessionID, RoleAssistant, "", nil)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := c.svc.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	history := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == placeholderID {
			continue
		}
		history = append(history, ai.Message{Role: string(m.Role), Content: m.Content})
	}

	return &Turn{
		SessionID:     sessionID,
		UserMessageID: userID,
		MessageID:     placeholderID,
		c:             c,
		done:          make(chan struct{}),
		state:         TurnStreaming,
	}, c.trim(history), nil
}

func (c *Coordinator) trim(history []ai.Message) []ai.Message {
	if c.window <= 0 || len(history) <= c.window {
		return history
	}
	tail := history[len(history)-c.window:]
	if history[0].Role == string(RoleSystem) {
		return append([]ai.Message{history[0]}, tail...)
	}
	return tail
}

func (c *Coordinator) run(ctx context.Context, t *Turn, history []ai.Message) {
	err := c.engine.Send(ctx, history, &turnHandler{c: c, t: t})
	if err != nil {
		c.settle(t, TurnErrored, err)
		return
	}
	c.settle(t, TurnCompleted, nil)
}

type turnHandler struct {
	c *Coordinator
	t *Turn
}

func (h *turnHandler) OnMessage(d ai.Delta)     { h.c.apply(h.t, d) }
func (h *turnHandler) OnFinished(reason string) { h.c.settle(h.t, TurnCompleted, nil) }
func (h *turnHandler) OnError(err error)        { h.c.settle(h.t, TurnErrored, err) }

// apply writes one delta. Deltas arriving after the turn settled are dropped.
func (c *Coordinator) apply(t *Turn, d ai.Delta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TurnStreaming {
		c.log.Debug("late delta dropped", zap.String("message_id", t.MessageID), zap.String("state", string(t.state)))
		return
	}

	ctx := context.Background()
	var err error
	if d.IsFullText {
		err = c.svc.UpdateMessageContent(ctx, t.MessageID, d.Content)
	} else {
		_, err = c.svc.AppendMessageContent(ctx, t.MessageID, d.Content)
	}
	if err != nil {
		c.log.Error("apply delta", zap.String("message_id", t.MessageID), zap.Error(err))
	}
}

// settle moves a streaming turn to a terminal state exactly once.
// An Errored turn's placeholder is overwritten with "Error: <cause>".
func (c *Coordinator) settle(t *Turn, to TurnState, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TurnStreaming {
		return
	}

	if to == TurnErrored {
		if cause == nil {
			cause = errUnknownEngineFailure
		}
		t.err = fmt.Errorf("%w: %w", ErrEngineFailure, cause)
		if err := c.svc.UpdateMessageContent(context.Background(), t.MessageID, "Error: "+cause.Error()); err != nil {
			c.log.Error("write error text", zap.String("message_id", t.MessageID), zap.Error(err))
		}
		c.log.Warn("turn errored", zap.String("session_id", t.SessionID), zap.String("message_id", t.MessageID), zap.Error(cause))
	} else {
		c.log.Debug("turn settled", zap.String("message_id", t.MessageID), zap.String("state", string(to)))
	}

	t.state = to
	t.cancel()
	close(t.done)

	c.mu.Lock()
	delete(c.turns, t.MessageID)
	c.mu.Unlock()
	c.release(t.SessionID, t.lease)
}

func (c *Coordinator) release(sessionID string, l Lease) {
	if err := l.Release(context.Background()); err != nil {
		c.log.Error("release turn", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Cancel cancels the live turn writing into messageID and reports whether there was one.
func (c *Coordinator) Cancel(messageID string) bool {
	c.mu.Lock()
	t, ok := c.turns[messageID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// Streaming reports whether messageID is the placeholder of a live turn.
func (c *Coordinator) Streaming(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.turns[messageID]
	return ok
}

// MessageViews returns the session's messages with the streaming overlay applied.
func (c *Coordinator) MessageViews(ctx context.Context, sessionID string) ([]MessageView, error) {
	msgs, err := c.svc.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = MessageView{Message: m, Streaming: c.Streaming(m.ID)}
	}
	return views, nil
}

// Close cancels every live turn.
func (c *Coordinator) Close() {
	c.mu.Lock()
	live := make([]*Turn, 0, len(c.turns))
	for _, t := range c.turns {
		live = append(live, t)
	}
	c.mu.Unlock()
	for _, t := range live {
		t.Cancel()
	}
}
