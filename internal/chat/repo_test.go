package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func seedSession(t *testing.T, repo *Repo, id string, updatedAt time.Time, msgs int) {
	t.Helper()
	require.NoError(t, repo.AddSession(ctx, &Session{ID: id, Title: id, CreatedAt: updatedAt, UpdatedAt: updatedAt}))
	for i := 0; i < msgs; i++ {
		require.NoError(t, repo.AppendMessage(ctx, &Message{
			ID:        id + "-m" + string(rune('a'+i)),
			SessionID: id,
			Role:      RoleUser,
			Content:   "x",
			CreatedAt: updatedAt,
		}))
	}
}

func TestRepo_AddSessionDuplicateKey(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	s := &Session{ID: "s1", CreatedAt: at(1), UpdatedAt: at(1)}
	require.NoError(t, repo.AddSession(ctx, s))

	err := repo.AddSession(ctx, &Session{ID: "s1", CreatedAt: at(2), UpdatedAt: at(2)})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRepo_ListSessionsMostRecentFirst(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "a", at(100), 0)
	seedSession(t, repo, "b", at(300), 0)
	seedSession(t, repo, "c", at(200), 0)

	got, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.True(t, got[0].UpdatedAt.Equal(at(300)))
}

func TestRepo_ListMessagesEmpty(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	msgs, err := repo.ListMessagesBySession(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestRepo_AppendMessageAssignsSequenceAndTouchesSession(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(100), 3)

	msgs, err := repo.ListMessagesBySession(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, i, m.OrderIndex)
	}

	require.NoError(t, repo.AppendMessage(ctx, &Message{ID: "late", SessionID: "s", Role: RoleAssistant, CreatedAt: at(500)}))
	sess, err := repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.True(t, sess.UpdatedAt.Equal(at(500)))

	n, err := repo.CountMessages(ctx, "s")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestRepo_AppendMessageNeverMovesUpdatedAtBackwards(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1000), 0)

	require.NoError(t, repo.AppendMessage(ctx, &Message{ID: "m", SessionID: "s", Role: RoleUser, CreatedAt: at(10)}))
	sess, err := repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.True(t, sess.UpdatedAt.Equal(at(1000)))
}

func TestRepo_AppendMessageUnknownSession(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	err := repo.AppendMessage(ctx, &Message{ID: "m", SessionID: "nope", Role: RoleUser, CreatedAt: at(1)})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrTransactionAborted)
}

func TestRepo_ExplicitIndexKeepsCounterAhead(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 0)
	require.NoError(t, repo.BulkAddMessages(ctx, []Message{
		{ID: "m0", SessionID: "s", Role: RoleSystem, CreatedAt: at(1), OrderIndex: 0},
		{ID: "m1", SessionID: "s", Role: RoleUser, CreatedAt: at(2), OrderIndex: 1},
	}))

	m := &Message{ID: "m2", SessionID: "s", Role: RoleAssistant, CreatedAt: at(3)}
	require.NoError(t, repo.AppendMessage(ctx, m))
	assert.Equal(t, 2, m.OrderIndex)
}

func TestRepo_DuplicateOrderIndexRejected(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 1)

	err := repo.AddMessage(ctx, &Message{ID: "other", SessionID: "s", Role: RoleUser, CreatedAt: at(2), OrderIndex: 0})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	n, err := repo.CountMessages(ctx, "s")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRepo_BulkAddIsAllOrNothing(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 0)

	err := repo.BulkAddMessages(ctx, []Message{
		{ID: "m0", SessionID: "s", Role: RoleUser, CreatedAt: at(1), OrderIndex: 0},
		{ID: "m0", SessionID: "s", Role: RoleUser, CreatedAt: at(2), OrderIndex: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionAborted)

	n, err := repo.CountMessages(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepo_UpdateMessageContentIdempotent(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 1)

	require.NoError(t, repo.UpdateMessageContent(ctx, "s-ma", "final"))
	first, err := repo.GetMessage(ctx, "s-ma")
	require.NoError(t, err)

	require.NoError(t, repo.UpdateMessageContent(ctx, "s-ma", "final"))
	second, err := repo.GetMessage(ctx, "s-ma")
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.OrderIndex, second.OrderIndex)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	n, err := repo.CountMessages(ctx, "s")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.ErrorIs(t, repo.UpdateMessageContent(ctx, "missing", "x"), ErrNotFound)
}

func TestRepo_AppendMessageContent(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 1)
	require.NoError(t, repo.UpdateMessageContent(ctx, "s-ma", ""))

	_, err := repo.AppendMessageContent(ctx, "s-ma", "Hi")
	require.NoError(t, err)
	got, err := repo.AppendMessageContent(ctx, "s-ma", " there")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", got)

	_, err = repo.AppendMessageContent(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepo_UpdateSession(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 0)

	title := "Renamed"
	ts := at(99)
	require.NoError(t, repo.UpdateSession(ctx, "s", SessionUpdate{Title: &title, UpdatedAt: &ts}))
	sess, err := repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", sess.Title)
	assert.True(t, sess.UpdatedAt.Equal(ts))

	assert.ErrorIs(t, repo.UpdateSession(ctx, "missing", SessionUpdate{Title: &title}), ErrNotFound)
}

func TestRepo_UpdateSessionNeverBeforeNewestMessage(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(100), 2)

	early := at(50)
	require.NoError(t, repo.UpdateSession(ctx, "s", SessionUpdate{UpdatedAt: &early}))
	sess, err := repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.True(t, sess.UpdatedAt.Equal(at(100)), "updated_at %v", sess.UpdatedAt)

	// an empty session accepts any timestamp
	seedSession(t, repo, "empty", at(100), 0)
	require.NoError(t, repo.UpdateSession(ctx, "empty", SessionUpdate{UpdatedAt: &early}))
	sess, err = repo.GetSession(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, sess.UpdatedAt.Equal(early))
}

// strayMessage writes a row at index behind the session counter's back.
func strayMessage(t *testing.T, repo *Repo, sessionID string, index int) {
	t.Helper()
	require.NoError(t, repo.db.Create(&Message{
		ID:         sessionID + "-stray",
		SessionID:  sessionID,
		Role:       RoleUser,
		Content:    "stray",
		CreatedAt:  at(1),
		OrderIndex: index,
	}).Error)
}

func TestRepo_AppendMessageDetectsOrderCollision(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 0)
	strayMessage(t, repo, "s", 0)

	err := repo.AppendMessage(ctx, &Message{ID: "m", SessionID: "s", Role: RoleUser, CreatedAt: at(2)})
	assert.ErrorIs(t, err, ErrOrderConflict)
	assert.ErrorIs(t, err, ErrTransactionAborted)

	msgs, err := repo.ListMessagesBySession(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s-stray", msgs[0].ID)

	// the counter bump rolled back with the insert
	sess, err := repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, sess.MessageCount)
}

func TestRepo_SyncCounter(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 0)

	require.NoError(t, repo.SyncCounter(ctx, "s"))
	sess, err := repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, sess.MessageCount)

	strayMessage(t, repo, "s", 3)
	require.NoError(t, repo.SyncCounter(ctx, "s"))
	sess, err = repo.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 4, sess.MessageCount)
}

func TestRepo_DeleteSessionCascade(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "keep", at(1), 2)
	seedSession(t, repo, "drop", at(2), 3)

	existed, err := repo.DeleteSessionCascade(ctx, "drop")
	require.NoError(t, err)
	assert.True(t, existed)

	n, err := repo.CountMessages(ctx, "drop")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = repo.GetSession(ctx, "drop")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = repo.CountMessages(ctx, "keep")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	existed, err = repo.DeleteSessionCascade(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRepo_AbortedCascadeRestoresState(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 3)

	events, cancel := repo.Hub().Subscribe(Query{SessionID: "s"})
	defer cancel()

	crash := errors.New("crash")
	err := repo.Transactional(ctx, func(tx *Repo) error {
		existed, err := tx.DeleteSessionCascade(ctx, "s")
		require.NoError(t, err)
		require.True(t, existed)
		return crash
	})
	require.ErrorIs(t, err, crash)
	require.ErrorIs(t, err, ErrTransactionAborted)

	_, err = repo.GetSession(ctx, "s")
	require.NoError(t, err)
	n, err := repo.CountMessages(ctx, "s")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	select {
	case ev := <-events:
		t.Fatalf("rolled back write published %+v", ev)
	default:
	}
}

func TestRepo_EventsPublishedAfterCommit(t *testing.T) {
	repo := NewRepo(openTestDB(t), nil)
	seedSession(t, repo, "s", at(1), 0)

	events, cancel := repo.Hub().Subscribe(Query{SessionID: "s"})
	defer cancel()
	others, cancelOthers := repo.Hub().Subscribe(Query{SessionID: "other"})
	defer cancelOthers()

	require.NoError(t, repo.AppendMessage(ctx, &Message{ID: "m", SessionID: "s", Role: RoleUser, CreatedAt: at(2)}))

	ev := <-events
	assert.Equal(t, OpMessageCreated, ev.Op)
	assert.Equal(t, "m", ev.MessageID)
	ev = <-events
	assert.Equal(t, OpSessionUpdated, ev.Op)

	select {
	case ev := <-others:
		t.Fatalf("unexpected event for other session: %+v", ev)
	default:
	}
}
