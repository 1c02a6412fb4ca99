package redisstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/chat-core/internal/chat"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"go.uber.org/zap"
)

const turnKeyPrefix = "chat:turn:"

// releaseScript deletes the lock only while it still carries our token, so an
// expired lock taken over by another turn is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// TurnGuard is a chat.TurnGuard shared by every process using the same Redis.
// A held lock is refreshed every TTL/2 until released, so the TTL only bounds
// how long a crashed process can block a session.
type TurnGuard struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

var _ chat.TurnGuard = (*TurnGuard)(nil)

func NewTurnGuard(s *Store, ttl time.Duration, log *zap.Logger) *TurnGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TurnGuard{rdb: s.rdb, ttl: ttl, log: logging.OrNop(log)}
}

func turnKey(sessionID string) string { return turnKeyPrefix + sessionID }

func (g *TurnGuard) Acquire(ctx context.Context, sessionID string) (chat.Lease, error) {
	token := uuid.NewString()
	key := turnKey(sessionID)
	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	l := &lease{
		g:     g,
		key:   key,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

type lease struct {
	g     *TurnGuard
	key   string
	token string

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (l *lease) keepAlive() {
	defer close(l.done)
	tick := time.NewTicker(l.g.ttl / 2)
	defer tick.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n, err := refreshScript.Run(ctx, l.g.rdb, []string{l.key}, l.token, l.g.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.g.log.Warn("refresh turn lock", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.g.log.Warn("turn lock lost", zap.String("key", l.key))
				return
			}
		}
	}
}

// Release stops the refresh and deletes the lock if this lease still owns it.
func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = releaseScript.Run(ctx, l.g.rdb, []string{l.key}, l.token).Err()
	})
	return err
}
