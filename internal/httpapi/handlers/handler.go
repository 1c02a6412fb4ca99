package handlers

import (
	"context"

	"github.com/suPer8Hu/chat-core/internal/chat"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"github.com/suPer8Hu/chat-core/internal/store/rabbitmq"
	"go.uber.org/zap"
)

// TurnPublisher queues a turn for a worker. *rabbitmq.Publisher implements it.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, job rabbitmq.TurnJob) error
}

type Handler struct {
	ChatSvc *chat.Service
	Coord   *chat.Coordinator
	// Rabbit is nil when RABBIT_URL is unset; async sends then answer 503.
	Rabbit TurnPublisher
	Log    *zap.Logger
}

func NewHandler(svc *chat.Service, coord *chat.Coordinator, rabbit TurnPublisher, log *zap.Logger) *Handler {
	return &Handler{ChatSvc: svc, Coord: coord, Rabbit: rabbit, Log: logging.OrNop(log)}
}
