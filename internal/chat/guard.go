package chat

import (
	"context"
	"sync"
)

// TurnGuard admits at most one streaming turn per session.
type TurnGuard interface {
	// Acquire returns a nil Lease when another turn holds the session.
	Acquire(ctx context.Context, sessionID string) (Lease, error)
}

// Lease is one turn's hold on a session. Releasing it never frees a hold
// taken by a later turn.
type Lease interface {
	Release(ctx context.Context) error
}

// LocalGuard is an in-process TurnGuard.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]*localLease
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]*localLease)}
}

func (g *LocalGuard) Acquire(ctx context.Context, sessionID string) (Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[sessionID]; busy {
		return nil, nil
	}
	l := &localLease{g: g, sessionID: sessionID}
	g.held[sessionID] = l
	return l, nil
}

type localLease struct {
	g         *LocalGuard
	sessionID string
}

func (l *localLease) Release(ctx context.Context) error {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	if l.g.held[l.sessionID] == l {
		delete(l.g.held, l.sessionID)
	}
	return nil
}
