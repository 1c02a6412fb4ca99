package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repo is the durable store for sessions and messages. Every multi-row write
// goes through Transactional; change events are published only after commit.
type Repo struct {
	db  *gorm.DB
	hub *Hub

	// non-nil inside Transactional: events wait here for the commit
	pending *[]ChangeEvent
}

func NewRepo(db *gorm.DB, hub *Hub) *Repo {
	if hub == nil {
		hub = NewHub()
	}
	return &Repo{db: db, hub: hub}
}

// Migrate creates missing tables, columns and indexes. It never drops anything.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Session{}, &Message{})
}

func (r *Repo) Hub() *Hub { return r.hub }

// Transactional runs fn inside one database transaction. Any error from fn
// rolls back every write fn made and is returned joined with ErrTransactionAborted.
// Calls nested inside fn reuse the outer transaction.
func (r *Repo) Transactional(ctx context.Context, fn func(tx *Repo) error) error {
	if r.pending != nil {
		return fn(r)
	}

	var events []ChangeEvent
	err := r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Repo{db: gtx, hub: r.hub, pending: &events})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	for _, ev := range events {
		r.hub.Publish(ev)
	}
	return nil
}

func (r *Repo) emit(op Operation, sessionID, messageID string) {
	ev := ChangeEvent{Op: op, SessionID: sessionID, MessageID: messageID, At: time.Now().UTC()}
	if r.pending != nil {
		*r.pending = append(*r.pending, ev)
		return
	}
	r.hub.Publish(ev)
}

func (r *Repo) AddSession(ctx context.Context, s *Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return translate(err)
	}
	r.emit(OpSessionCreated, s.ID, "")
	return nil
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// SessionUpdate lists the session fields that may change after creation.
type SessionUpdate struct {
	Title     *string
	UpdatedAt *time.Time
}

func (r *Repo) UpdateSession(ctx context.Context, id string, u SessionUpdate) error {
	fields := map[string]any{}
	if u.Title != nil {
		fields["title"] = *u.Title
	}
	if u.UpdatedAt != nil {
		touch, err := r.notBeforeMessages(ctx, id, u.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		fields["updated_at"] = touch
	}
	if len(fields) == 0 {
		_, err := r.GetSession(ctx, id)
		return err
	}

	res := r.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).UpdateColumns(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql reports 0 rows for a no-op update
		if _, err := r.GetSession(ctx, id); err != nil {
			return err
		}
	}
	r.emit(OpSessionUpdated, id, "")
	return nil
}

// notBeforeMessages clamps t to the CreatedAt of the session's newest message.
func (r *Repo) notBeforeMessages(ctx context.Context, sessionID string, t time.Time) (time.Time, error) {
	var latest []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("order_index DESC").
		Limit(1).
		Find(&latest).Error; err != nil {
		return time.Time{}, err
	}
	if len(latest) == 1 && latest[0].CreatedAt.After(t) {
		return latest[0].CreatedAt.UTC(), nil
	}
	return t, nil
}

// ListSessions returns sessions most-recently-active first.
func (r *Repo) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AddMessage inserts m with the OrderIndex it already carries.
func (r *Repo) AddMessage(ctx context.Context, m *Message) error {
	return r.Transactional(ctx, func(tx *Repo) error {
		if err := tx.db.WithContext(ctx).Create(m).Error; err != nil {
			return translate(err)
		}
		if err := tx.raiseCounter(ctx, m.SessionID, m.OrderIndex+1); err != nil {
			return err
		}
		tx.emit(OpMessageCreated, m.SessionID, m.ID)
		return nil
	})
}

// BulkAddMessages inserts all of msgs or none of them.
func (r *Repo) BulkAddMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.Transactional(ctx, func(tx *Repo) error {
		if err := tx.db.WithContext(ctx).Create(&msgs).Error; err != nil {
			return translate(err)
		}
		next := make(map[string]int)
		for _, m := range msgs {
			if m.OrderIndex+1 > next[m.SessionID] {
				next[m.SessionID] = m.OrderIndex + 1
			}
			tx.emit(OpMessageCreated, m.SessionID, m.ID)
		}
		for sid, n := range next {
			if err := tx.raiseCounter(ctx, sid, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// raiseCounter keeps the session's sequence counter ahead of explicitly indexed inserts.
func (r *Repo) raiseCounter(ctx context.Context, sessionID string, atLeast int) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND message_count < ?", sessionID, atLeast).
		UpdateColumn("message_count", atLeast).Error
}

// SyncCounter raises the session's sequence counter past the highest stored
// OrderIndex. It repairs a counter that fell behind rows written around it.
func (r *Repo) SyncCounter(ctx context.Context, sessionID string) error {
	var top sql.NullInt64
	row := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ?", sessionID).
		Select("MAX(order_index)").
		Row()
	if err := row.Scan(&top); err != nil {
		return err
	}
	if !top.Valid {
		return nil
	}
	return r.raiseCounter(ctx, sessionID, int(top.Int64)+1)
}

// AppendMessage assigns m the session's next OrderIndex, inserts it and
// touches the session's UpdatedAt, all in one transaction. The counter bump
// comes first so it takes the write lock before the index is read; a collision
// that still slips through is caught by the unique (session_id, order_index)
// index and reported as ErrOrderConflict.
func (r *Repo) AppendMessage(ctx context.Context, m *Message) error {
	return r.Transactional(ctx, func(tx *Repo) error {
		db := tx.db.WithContext(ctx)

		res := db.Model(&Session{}).Where("id = ?", m.SessionID).
			UpdateColumn("message_count", gorm.Expr("message_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var s Session
		if err := db.First(&s, "id = ?", m.SessionID).Error; err != nil {
			return translate(err)
		}
		m.OrderIndex = s.MessageCount - 1

		if err := db.Create(m).Error; err != nil {
			if isDuplicate(err) {
				return ErrOrderConflict
			}
			return err
		}

		touch := m.CreatedAt
		if s.UpdatedAt.After(touch) {
			touch = s.UpdatedAt
		}
		if err := db.Model(&Session{}).Where("id = ?", m.SessionID).
			UpdateColumn("updated_at", touch).Error; err != nil {
			return err
		}

		tx.emit(OpMessageCreated, m.SessionID, m.ID)
		tx.emit(OpSessionUpdated, m.SessionID, "")
		return nil
	})
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// UpdateMessageContent replaces content only. Writing the same content again is a no-op.
func (r *Repo) UpdateMessageContent(ctx context.Context, id, content string) error {
	return r.Transactional(ctx, func(tx *Repo) error {
		m, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if m.Content == content {
			return nil
		}
		if err := tx.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).
			UpdateColumn("content", content).Error; err != nil {
			return err
		}
		tx.emit(OpMessageUpdated, m.SessionID, id)
		return nil
	})
}

// AppendMessageContent reads the stored content, appends delta and writes it
// back in one transaction, returning the new content.
func (r *Repo) AppendMessageContent(ctx context.Context, id, delta string) (string, error) {
	var content string
	err := r.Transactional(ctx, func(tx *Repo) error {
		m, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		content = m.Content + delta
		if delta == "" {
			return nil
		}
		if err := tx.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).
			UpdateColumn("content", content).Error; err != nil {
			return err
		}
		tx.emit(OpMessageUpdated, m.SessionID, id)
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// ListMessagesBySession returns the session's messages by ascending OrderIndex.
func (r *Repo) ListMessagesBySession(ctx context.Context, sessionID string) ([]Message, error) {
	msgs := []Message{}
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("order_index ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteSessionCascade deletes the session's messages and then the session in
// one transaction. It reports whether the session existed.
func (r *Repo) DeleteSessionCascade(ctx context.Context, sessionID string) (bool, error) {
	var existed bool
	err := r.Transactional(ctx, func(tx *Repo) error {
		db := tx.db.WithContext(ctx)
		if err := db.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := db.Where("id = ?", sessionID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		existed = res.RowsAffected > 0
		if existed {
			tx.emit(OpSessionDeleted, sessionID, "")
		}
		return nil
	})
	return existed, err
}

// IsNotFound reports whether err means a referenced row is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
