package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-core/internal/chat"
	"github.com/suPer8Hu/chat-core/internal/common"
	"github.com/suPer8Hu/chat-core/internal/export"
	"github.com/suPer8Hu/chat-core/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-core/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const heartbeat = 15 * time.Second

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failErr maps store and coordinator errors onto the response envelope.
func (h *Handler) failErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, chat.ErrEmptyInput):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, chat.ErrInvalidRole):
		common.Fail(c, http.StatusBadRequest, 10004, err.Error())
	case errors.Is(err, chat.ErrTurnInFlight):
		common.Fail(c, http.StatusConflict, 40901, "a reply is already streaming for this session")
	case errors.Is(err, chat.ErrDuplicateKey):
		common.Fail(c, http.StatusConflict, 40902, "duplicate key")
	default:
		h.Log.Error(op,
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type seedMessageReq struct {
	Role    string         `json:"role" binding:"required"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta"`
}

type createSessionReq struct {
	Title        string           `json:"title"`
	SeedMessages []seedMessageReq `json:"seed_messages"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	var req createSessionReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
			return
		}
	}

	opts := chat.CreateSessionOptions{Title: req.Title}
	for _, m := range req.SeedMessages {
		opts.SeedMessages = append(opts.SeedMessages, chat.SeedMessage{
			Role:    chat.Role(m.Role),
			Content: m.Content,
			Meta:    m.Meta,
		})
	}

	id, err := h.ChatSvc.CreateSession(c.Request.Context(), opts)
	if err != nil {
		h.failErr(c, "create session", err)
		return
	}
	common.OK(c, gin.H{"session_id": id})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context())
	if err != nil {
		h.failErr(c, "list sessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.failErr(c, "get session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

type renameSessionReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.ChatSvc.RenameSession(c.Request.Context(), c.Param("session_id"), req.Title); err != nil {
		h.failErr(c, "rename session", err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		h.failErr(c, "delete session", err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()
	if _, err := h.ChatSvc.GetSession(ctx, sessionID); err != nil {
		h.failErr(c, "list messages", err)
		return
	}
	views, err := h.Coord.MessageViews(ctx, sessionID)
	if err != nil {
		h.failErr(c, "list messages", err)
		return
	}
	common.OK(c, gin.H{"messages": views})
}

type sendMessageReq struct {
	Message string         `json:"message" binding:"required"`
	Meta    map[string]any `json:"meta"`
}

// sse writes Server-Sent Events to the response.
type sse struct {
	c       *gin.Context
	flusher http.Flusher
}

func startSSE(c *gin.Context) (*sse, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	return &sse{c: c, flusher: flusher}, true
}

func (s *sse) send(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		// last-resort: send a simple error that won't break SSE framing
		fmt.Fprintf(s.c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		s.flusher.Flush()
		return
	}
	fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", event, b)
	s.flusher.Flush()
}

// SendChatMessageStream starts a turn and streams the placeholder's content
// as it changes: "start", then "delta" events, then "done" with the final state.
// A client that disconnects leaves the turn running; it can be cancelled
// through CancelTurn.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	// subscribe first so no update between Send and the loop is missed
	events, unsubscribe := h.ChatSvc.Hub().Subscribe(chat.Query{SessionID: sessionID})
	defer unsubscribe()

	turn, err := h.Coord.Send(ctx, chat.SendRequest{SessionID: sessionID, Content: req.Message, Meta: req.Meta})
	if err != nil {
		h.failErr(c, "send message", err)
		return
	}

	stream, ok := startSSE(c)
	if !ok {
		turn.Cancel()
		return
	}
	stream.send("start", gin.H{
		"type":            "start",
		"session_id":      turn.SessionID,
		"user_message_id": turn.UserMessageID,
		"message_id":      turn.MessageID,
	})

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	var sent string
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op != chat.OpMessageUpdated || ev.MessageID != turn.MessageID || turn.State().Terminal() {
				continue
			}
			m, err := h.ChatSvc.GetMessage(ctx, turn.MessageID)
			if err != nil {
				continue
			}
			sent = stream.sendContent(sent, m.Content)

		case <-ticker.C:
			stream.send("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-turn.Done():
			payload := gin.H{
				"type":       "done",
				"message_id": turn.MessageID,
				"state":      turn.State(),
			}
			if m, err := h.ChatSvc.GetMessage(ctx, turn.MessageID); err == nil {
				payload["content"] = m.Content
			}
			if err := turn.Err(); err != nil {
				payload["error"] = err.Error()
			}
			stream.send("done", payload)
			return

		case <-ctx.Done():
			return
		}
	}
}

// sendContent emits the change from prev to next and returns next. Appends
// go out as a delta suffix, anything else as a full replacement.
func (s *sse) sendContent(prev, next string) string {
	switch {
	case next == prev:
	case strings.HasPrefix(next, prev):
		s.send("delta", gin.H{"type": "delta", "delta": next[len(prev):]})
	default:
		s.send("delta", gin.H{"type": "delta", "content": next, "full_text": true})
	}
	return next
}

func (h *Handler) CancelTurn(c *gin.Context) {
	cancelled := h.Coord.Cancel(c.Param("message_id"))
	common.OK(c, gin.H{"cancelled": cancelled})
}

// WatchChatSession streams a fresh snapshot of the session's messages every
// time the session changes, until the client leaves or the session is deleted.
func (h *Handler) WatchChatSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()
	if _, err := h.ChatSvc.GetSession(ctx, sessionID); err != nil {
		h.failErr(c, "watch session", err)
		return
	}

	events, unsubscribe := h.ChatSvc.Hub().Subscribe(chat.Query{SessionID: sessionID})
	defer unsubscribe()

	stream, ok := startSSE(c)
	if !ok {
		return
	}

	snapshot := func() bool {
		views, err := h.Coord.MessageViews(ctx, sessionID)
		if err != nil {
			stream.send("error", gin.H{"type": "error", "message": "failed to load messages"})
			return false
		}
		stream.send("snapshot", gin.H{"type": "snapshot", "messages": views})
		return true
	}
	if !snapshot() {
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op == chat.OpSessionDeleted {
				stream.send("deleted", gin.H{"type": "deleted", "session_id": sessionID})
				return
			}
			if !snapshot() {
				return
			}
		case <-ticker.C:
			stream.send("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) ExportChatSession(c *gin.Context) {
	exp, err := export.NewExporter(c.DefaultQuery("format", "json"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	sess, err := h.ChatSvc.GetSession(ctx, sessionID)
	if err != nil {
		h.failErr(c, "export session", err)
		return
	}
	msgs, err := h.ChatSvc.ListMessages(ctx, sessionID)
	if err != nil {
		h.failErr(c, "export session", err)
		return
	}

	c.Header("Content-Type", exp.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, sess.ID, exp.Extension()))
	c.Status(http.StatusOK)
	if err := exp.Export(export.NewTranscript(sess, msgs), c.Writer); err != nil {
		h.Log.Error("export session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SendChatMessageAsync queues the turn for a worker and returns immediately.
// The reply shows up through the watch stream once a worker picks it up.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async sends are not configured")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.failErr(c, "send async", chat.ErrEmptyInput)
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	if _, err := h.ChatSvc.GetSession(ctx, sessionID); err != nil {
		h.failErr(c, "send async", err)
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		h.failErr(c, "send async", err)
		return
	}
	job := rabbitmq.TurnJob{JobID: jobID, SessionID: sessionID, Content: req.Message, Meta: req.Meta}
	if err := h.Rabbit.PublishTurn(ctx, job); err != nil {
		h.Log.Error("publish turn",
			zap.String("session_id", sessionID),
			zap.String("job_id", jobID),
			zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "queued",
		"data":    gin.H{"job_id": jobID},
	})
}
