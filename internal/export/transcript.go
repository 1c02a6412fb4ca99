package export

import (
	"encoding/json"
	"time"

	"github.com/suPer8Hu/chat-core/internal/chat"
)

// Transcript is a session and its messages in display order.
type Transcript struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Messages  []Entry   `json:"messages" yaml:"messages"`
}

type Entry struct {
	ID         string         `json:"id" yaml:"id"`
	Role       string         `json:"role" yaml:"role"`
	Content    string         `json:"content" yaml:"content"`
	OrderIndex int            `json:"order_index" yaml:"order_index"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	Meta       map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

func NewTranscript(s *chat.Session, msgs []chat.Message) *Transcript {
	t := &Transcript{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Messages:  make([]Entry, 0, len(msgs)),
	}
	for _, m := range msgs {
		e := Entry{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			OrderIndex: m.OrderIndex,
			CreatedAt:  m.CreatedAt,
		}
		if len(m.Meta) > 0 {
			// meta is written by Service.encodeMeta, undecodable meta is dropped
			_ = json.Unmarshal(m.Meta, &e.Meta)
		}
		t.Messages = append(t.Messages, e)
	}
	return t
}
