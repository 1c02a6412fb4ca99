package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declared struct {
	name string
	args amqp.Table
}

type fakeChannel struct {
	declared  []declared
	published []amqp.Publishing
	keys      []string
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, declared{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestDeclareQueues_WiresRetryAndDeadLetter(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, DeclareQueues(ch, "chat_turns"))

	require.Len(t, ch.declared, 3)
	assert.Equal(t, "chat_turns.dlq", ch.declared[0].name)
	assert.Equal(t, "chat_turns.retry", ch.declared[1].name)
	assert.Equal(t, "chat_turns", ch.declared[1].args["x-dead-letter-routing-key"])
	assert.Equal(t, "chat_turns", ch.declared[2].name)
	assert.Equal(t, "chat_turns.dlq", ch.declared[2].args["x-dead-letter-routing-key"])
}

func TestPublishTurn_RoundTripsThroughDecode(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, queue: "chat_turns"}

	job := TurnJob{JobID: "j1", SessionID: "s1", Content: "hello", Meta: map[string]any{"source": "api"}}
	require.NoError(t, p.PublishTurn(context.Background(), job))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "chat_turns", ch.keys[0])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "j1", msg.MessageId)

	got, err := DecodeTurn(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestPublishTurn_RejectsInvalidJobs(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, queue: "q"}

	assert.Error(t, p.PublishTurn(context.Background(), TurnJob{JobID: "j", SessionID: "s", Content: "  "}))
	assert.Error(t, p.PublishTurn(context.Background(), TurnJob{JobID: "j", Content: "x"}))
	assert.Empty(t, ch.published)

	_, err := DecodeTurn([]byte(`{"job_id":"j"}`))
	assert.Error(t, err)
	_, err = DecodeTurn([]byte(`not json`))
	assert.Error(t, err)
}

func TestPublishRetry_TargetsRetryQueueWithAttempt(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, PublishRetry(context.Background(), ch, "chat_turns", []byte(`{}`), 2, 1500*time.Millisecond))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "chat_turns.retry", ch.keys[0])
	assert.Equal(t, "1500", ch.published[0].Expiration)
	assert.Equal(t, 2, Attempt(ch.published[0].Headers))
	assert.Equal(t, 0, Attempt(nil))
}
