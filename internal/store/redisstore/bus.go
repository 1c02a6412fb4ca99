package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/chat-core/internal/chat"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"go.uber.org/zap"
)

const DefaultChangeChannel = "chat:changes"

// ChangeBus relays committed changes between processes sharing a database,
// so a live query in one process sees writes made by another.
type ChangeBus struct {
	rdb     *redis.Client
	channel string
	origin  string
	log     *zap.Logger
}

func NewChangeBus(s *Store, channel string, log *zap.Logger) *ChangeBus {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	return &ChangeBus{
		rdb:     s.rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logging.OrNop(log),
	}
}

func (b *ChangeBus) Origin() string { return b.origin }

// OnChange publishes a local event. It is registered with Hub.AddListener.
func (b *ChangeBus) OnChange(ev chat.ChangeEvent) {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	body, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("encode change", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		b.log.Warn("publish change", zap.String("op", string(ev.Op)), zap.Error(err))
	}
}

// Run delivers events published by other processes into hub until ctx ends.
// ready, if non-nil, is closed once the subscription is live.
func (b *ChangeBus) Run(ctx context.Context, hub *chat.Hub, ready chan<- struct{}) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev chat.ChangeEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				b.log.Warn("bad change payload", zap.Error(err))
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			hub.Deliver(ev)
		}
	}
}
