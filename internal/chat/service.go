package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/chat-core/internal/common"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	defaultTitle     = "Session"
	maxTitleRunes    = 50
	maxAppendRetries = 3
)

type Service struct {
	repo  *Repo
	log   *zap.Logger
	now   func() time.Time
	newID func() (string, error)
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(l) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo *Repo, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: common.NewULID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Hub() *Hub { return s.repo.Hub() }

// SeedMessage is a message inserted together with a new session.
type SeedMessage struct {
	Role    Role
	Content string
	Meta    map[string]any
}

type CreateSessionOptions struct {
	Title        string
	SeedMessages []SeedMessage
}

// CreateSession inserts a session and its seed messages atomically and returns the session id.
// Seed messages get OrderIndex 0..n-1 and strictly increasing CreatedAt values
// that end just before the session's own timestamps.
func (s *Service) CreateSession(ctx context.Context, opts CreateSessionOptions) (string, error) {
	for _, m := range opts.SeedMessages {
		if !m.Role.Valid() {
			return "", fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
	}

	id, err := s.newID()
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = defaultTitle
	}
	now := s.now()
	sess := &Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}

	seeds := make([]Message, 0, len(opts.SeedMessages))
	n := len(opts.SeedMessages)
	for i, m := range opts.SeedMessages {
		mid, err := s.newID()
		if err != nil {
			return "", err
		}
		meta, err := encodeMeta(m.Meta)
		if err != nil {
			return "", err
		}
		seeds = append(seeds, Message{
			ID:         mid,
			SessionID:  id,
			Role:       m.Role,
			Content:    m.Content,
			CreatedAt:  now.Add(-time.Duration(n-i) * time.Millisecond),
			OrderIndex: i,
			Meta:       meta,
		})
	}

	err = s.repo.Transactional(ctx, func(tx *Repo) error {
		if err := tx.AddSession(ctx, sess); err != nil {
			return err
		}
		return tx.BulkAddMessages(ctx, seeds)
	})
	if err != nil {
		return "", err
	}

	s.log.Debug("session created", zap.String("session_id", id), zap.Int("seed_messages", n))
	return id, nil
}

// AddMessage appends a message to an existing session and returns its id.
// OrderIndex assignment, insert and the session touch commit together. A
// colliding OrderIndex resyncs the session counter and the insert is retried.
func (s *Service) AddMessage(ctx context.Context, sessionID string, role Role, content string, meta map[string]any) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	encoded, err := encodeMeta(meta)
	if err != nil {
		return "", err
	}

	for attempt := 1; ; attempt++ {
		m := &Message{
			ID:        id,
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			CreatedAt: s.now(),
			Meta:      encoded,
		}
		err = s.repo.AppendMessage(ctx, m)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrOrderConflict) || attempt == maxAppendRetries {
			return "", err
		}
		s.log.Warn("order index conflict, resyncing counter",
			zap.String("session_id", sessionID), zap.Int("attempt", attempt))
		if err := s.repo.SyncCounter(ctx, sessionID); err != nil {
			return "", err
		}
	}
}

func (s *Service) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.repo.GetMessage(ctx, id)
}

func (s *Service) UpdateMessageContent(ctx context.Context, id, content string) error {
	return s.repo.UpdateMessageContent(ctx, id, content)
}

func (s *Service) AppendMessageContent(ctx context.Context, id, delta string) (string, error) {
	return s.repo.AppendMessageContent(ctx, id, delta)
}

// ListMessages returns a session's messages in canonical order; empty for unknown sessions.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.repo.ListMessagesBySession(ctx, sessionID)
}

// ListSessions returns sessions most-recently-active first.
func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.repo.ListSessions(ctx)
}

// GetSession returns ErrNotFound for an unknown id.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.repo.GetSession(ctx, id)
}

func (s *Service) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	return s.repo.UpdateSession(ctx, id, SessionUpdate{Title: &title})
}

// DeleteSession removes a session and all of its messages. Deleting an
// unknown session is a no-op.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	existed, err := s.repo.DeleteSessionCascade(ctx, id)
	if err != nil {
		return err
	}
	if existed {
		s.log.Debug("session deleted", zap.String("session_id", id))
	}
	return nil
}

func encodeMeta(meta map[string]any) (datatypes.JSON, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("chat: encode meta: %w", err)
	}
	return datatypes.JSON(b), nil
}

// titleFrom derives a session title from the first line of the first user input.
func titleFrom(input string) string {
	line := strings.TrimSpace(input)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes]) + "…"
	}
	if line == "" {
		return defaultTitle
	}
	return line
}
