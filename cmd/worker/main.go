package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-core/internal/app"
	"github.com/suPer8Hu/chat-core/internal/chat"
	"github.com/suPer8Hu/chat-core/internal/config"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"github.com/suPer8Hu/chat-core/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const (
	maxAttempts = 5
	retryDelay  = 3 * time.Second
	// bounds one turn so a hung provider cannot pin a worker slot forever
	turnTimeout = 10 * time.Minute
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.RabbitURL == "" {
		logger.Fatal("RABBIT_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		logger.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("consume", zap.Error(err))
	}

	logger.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	w := &worker{coord: a.Coord, ch: ch, queue: cfg.RabbitQueue, log: logger.Named("worker")}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				w.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// acker is the part of amqp.Delivery a handler settles.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type worker struct {
	coord interface {
		Send(ctx context.Context, req chat.SendRequest) (*chat.Turn, error)
	}
	ch interface {
		PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	}
	queue string
	log   *zap.Logger
}

func (w *worker) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	w.settle(ctx, workerID, d, d.Body, rabbitmq.Attempt(d.Headers))
}

func (w *worker) settle(ctx context.Context, workerID int, d acker, body []byte, attempt int) {
	job, err := rabbitmq.DecodeTurn(body)
	if err != nil {
		w.log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	state, err := w.runTurn(ctx, job)
	fields := []zap.Field{
		zap.Int("worker", workerID),
		zap.String("job_id", job.JobID),
		zap.String("session_id", job.SessionID),
		zap.Duration("cost", time.Since(start)),
	}

	switch {
	case errors.Is(err, chat.ErrTurnInFlight) && attempt+1 < maxAttempts:
		// another reply is streaming for the session; try again later
		if perr := rabbitmq.PublishRetry(ctx, w.ch, w.queue, body, attempt+1, retryDelay); perr != nil {
			w.log.Error("retry publish failed", append(fields, zap.Error(perr))...)
			_ = d.Nack(false, true)
			return
		}
		w.log.Info("job deferred", append(fields, zap.Int("attempt", attempt+1))...)
		_ = d.Ack(false)
	case err != nil:
		w.log.Error("job failed", append(fields, zap.Error(err))...)
		_ = d.Nack(false, false)
	default:
		w.log.Info("job done", append(fields, zap.String("state", string(state)))...)
		if err := d.Ack(false); err != nil {
			w.log.Warn("ack failed", append(fields, zap.Error(err))...)
		}
	}
}

// runTurn sends the job's message and waits for the reply to settle. An
// errored turn still counts as handled: the error text is the reply.
func (w *worker) runTurn(ctx context.Context, job rabbitmq.TurnJob) (chat.TurnState, error) {
	turn, err := w.coord.Send(ctx, chat.SendRequest{SessionID: job.SessionID, Content: job.Content, Meta: job.Meta})
	if err != nil {
		return "", err
	}
	wctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()
	state, err := turn.Wait(wctx)
	if err != nil {
		turn.Cancel()
		return turn.State(), err
	}
	return state, nil
}
