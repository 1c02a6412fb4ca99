package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-core/internal/ai"
)

type engineFunc func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error

func (f engineFunc) Send(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
	return f(ctx, msgs, h)
}

func waitTurn(t *testing.T, turn *Turn) TurnState {
	t.Helper()
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := turn.Wait(wctx)
	require.NoError(t, err)
	return state
}

func content(t *testing.T, svc *Service, id string) string {
	t.Helper()
	m, err := svc.GetMessage(ctx, id)
	require.NoError(t, err)
	return m.Content
}

func TestCoordinator_AppliesDeltasInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		h.OnMessage(ai.Delta{Content: "Hi", Role: "assistant"})
		h.OnMessage(ai.Delta{Content: " there", Role: "assistant"})
		h.OnFinished("stop")
		return nil
	}))

	sid, err := svc.CreateSession(ctx, CreateSessionOptions{})
	require.NoError(t, err)

	turn, err := coord.Send(ctx, SendRequest{SessionID: sid, Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, waitTurn(t, turn))

	assert.Equal(t, "Hi there", content(t, svc, turn.MessageID))
	assert.Equal(t, "Hello", content(t, svc, turn.UserMessageID))
	assert.False(t, coord.Streaming(turn.MessageID))

	msgs, err := svc.ListMessages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, turn.MessageID, msgs[1].ID)
}

func TestCoordinator_CancelKeepsPartialAndDropsLateDeltas(t *testing.T) {
	svc, _ := newTestService(t)

	partial := make(chan struct{})
	returned := make(chan struct{})
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		defer close(returned)
		h.OnMessage(ai.Delta{Content: "Partial"})
		close(partial)
		<-ctx.Done()
		h.OnMessage(ai.Delta{Content: " late"})
		h.OnFinished("stop")
		return ctx.Err()
	}))

	turn, err := coord.Send(ctx, SendRequest{Content: "Hello"})
	require.NoError(t, err)
	<-partial

	views, err := coord.MessageViews(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.False(t, views[0].Streaming)
	assert.True(t, views[1].Streaming)

	turn.Cancel()
	assert.Equal(t, TurnCancelled, turn.State())
	assert.Equal(t, "Partial", content(t, svc, turn.MessageID))

	<-returned
	turn.Cancel()
	assert.False(t, coord.Cancel(turn.MessageID))

	assert.Equal(t, TurnCancelled, waitTurn(t, turn))
	assert.Equal(t, "Partial", content(t, svc, turn.MessageID))
	assert.NoError(t, turn.Err())

	views, err = coord.MessageViews(ctx, turn.SessionID)
	require.NoError(t, err)
	assert.False(t, views[1].Streaming)
}

func TestCoordinator_EngineErrorCallback(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		h.OnMessage(ai.Delta{Content: "half an answ"})
		h.OnError(errors.New("timeout"))
		return nil
	}))

	turn, err := coord.Send(ctx, SendRequest{Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, TurnErrored, waitTurn(t, turn))

	assert.Equal(t, "Error: timeout", content(t, svc, turn.MessageID))
	assert.Equal(t, "Hello", content(t, svc, turn.UserMessageID))
	assert.ErrorIs(t, turn.Err(), ErrEngineFailure)
}

func TestCoordinator_EngineSendFails(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		return errors.New("connection refused")
	}))

	turn, err := coord.Send(ctx, SendRequest{Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, TurnErrored, waitTurn(t, turn))
	assert.Equal(t, "Error: connection refused", content(t, svc, turn.MessageID))

	// the session stays usable: a retry is just another send
	retry, err := coord.Send(ctx, SendRequest{SessionID: turn.SessionID, Content: "Hello"})
	require.NoError(t, err)
	waitTurn(t, retry)

	msgs, err := svc.ListMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestCoordinator_FullTextReplacesContent(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		h.OnMessage(ai.Delta{Content: "dr"})
		h.OnMessage(ai.Delta{Content: "aft"})
		h.OnMessage(ai.Delta{Content: "Final", IsFullText: true})
		h.OnMessage(ai.Delta{Content: " answer"})
		return nil
	}))

	turn, err := coord.Send(ctx, SendRequest{Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, waitTurn(t, turn))
	assert.Equal(t, "Final answer", content(t, svc, turn.MessageID))
}

func TestCoordinator_RejectsSecondSendWhileStreaming(t *testing.T) {
	svc, _ := newTestService(t)

	exited := make(chan struct{}, 3)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		defer func() { exited <- struct{}{} }()
		<-ctx.Done()
		return ctx.Err()
	}))

	first, err := coord.Send(ctx, SendRequest{Content: "one"})
	require.NoError(t, err)

	_, err = coord.Send(ctx, SendRequest{SessionID: first.SessionID, Content: "two"})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	msgs, err := svc.ListMessages(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// another session is independent
	other, err := coord.Send(ctx, SendRequest{Content: "elsewhere"})
	require.NoError(t, err)

	assert.True(t, coord.Cancel(first.MessageID))
	again, err := coord.Send(ctx, SendRequest{SessionID: first.SessionID, Content: "two"})
	require.NoError(t, err)

	coord.Close()
	assert.Equal(t, TurnCancelled, waitTurn(t, other))
	assert.Equal(t, TurnCancelled, waitTurn(t, again))
	for i := 0; i < 3; i++ {
		<-exited
	}
}

func TestCoordinator_RejectsEmptyInputAndUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		t.Error("engine must not be called")
		return nil
	}))

	_, err := coord.Send(ctx, SendRequest{Content: "  \n "})
	assert.ErrorIs(t, err, ErrEmptyInput)
	sessions, err := svc.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = coord.Send(ctx, SendRequest{SessionID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_SendsOrderedHistoryWithoutPlaceholder(t *testing.T) {
	svc, _ := newTestService(t)

	got := make(chan []ai.Message, 1)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		got <- msgs
		h.OnFinished("stop")
		return nil
	}))

	sid, err := svc.CreateSession(ctx, CreateSessionOptions{SeedMessages: []SeedMessage{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
	}})
	require.NoError(t, err)

	turn, err := coord.Send(ctx, SendRequest{SessionID: sid, Content: "q2"})
	require.NoError(t, err)
	waitTurn(t, turn)

	assert.Equal(t, []ai.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, <-got)
}

func TestCoordinator_HistoryWindowKeepsSystemMessage(t *testing.T) {
	svc, _ := newTestService(t)

	got := make(chan []ai.Message, 1)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		got <- msgs
		return nil
	}), WithHistoryWindow(2))

	sid, err := svc.CreateSession(ctx, CreateSessionOptions{SeedMessages: []SeedMessage{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
	}})
	require.NoError(t, err)

	turn, err := coord.Send(ctx, SendRequest{SessionID: sid, Content: "q2"})
	require.NoError(t, err)
	waitTurn(t, turn)

	assert.Equal(t, []ai.Message{
		{Role: "system", Content: "sys"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, <-got)
}

func TestCoordinator_NewSessionTitledFromInput(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		return nil
	}))

	turn, err := coord.Send(ctx, SendRequest{Content: "Plan a trip to Lisbon\nwith kids"})
	require.NoError(t, err)
	waitTurn(t, turn)

	sess, err := svc.GetSession(ctx, turn.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Plan a trip to Lisbon", sess.Title)
}

func TestCoordinator_PublishesContentUpdates(t *testing.T) {
	svc, _ := newTestService(t)
	coord := NewCoordinator(svc, engineFunc(func(ctx context.Context, msgs []ai.Message, h ai.StreamHandler) error {
		h.OnMessage(ai.Delta{Content: "x"})
		return nil
	}))
	sid, err := svc.CreateSession(ctx, CreateSessionOptions{})
	require.NoError(t, err)

	events, cancel := svc.Hub().Subscribe(Query{SessionID: sid})
	defer cancel()

	turn, err := coord.Send(ctx, SendRequest{SessionID: sid, Content: "hi"})
	require.NoError(t, err)
	waitTurn(t, turn)

	var updated bool
	for !updated {
		select {
		case ev := <-events:
			updated = ev.Op == OpMessageUpdated && ev.MessageID == turn.MessageID
		case <-time.After(time.Second):
			t.Fatal("no message.updated event")
		}
	}
}
