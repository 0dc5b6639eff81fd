package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/mail"
)

var (
	// ErrQueueFull is returned when the buffer has no room for another message.
	ErrQueueFull = errors.New("mail queue full")
	// ErrQueueClosed is returned after Stop.
	ErrQueueClosed = errors.New("mail queue closed")
)

const sendTimeout = 30 * time.Second

// MailQueue delivers messages on a fixed pool of goroutines so callers never
// wait on SMTP.
type MailQueue struct {
	sender  mail.Sender
	logger  *zap.Logger
	workers int

	mu     sync.RWMutex
	jobs   chan mail.Message
	closed bool
	wg     sync.WaitGroup
}

// NewMailQueue creates a queue with the given buffer size and worker count.
func NewMailQueue(sender mail.Sender, logger *zap.Logger, size, workers int) *MailQueue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &MailQueue{
		sender:  sender,
		logger:  logger,
		workers: workers,
		jobs:    make(chan mail.Message, size),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains the queue.
func (q *MailQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx)
	}
}

// Enqueue schedules a message without blocking.
func (q *MailQueue) Enqueue(msg mail.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new messages, lets the workers drain what is buffered and waits for them.
func (q *MailQueue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *MailQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.jobs:
			if !ok {
				return
			}
			q.deliver(ctx, msg)
		}
	}
}

func (q *MailQueue) deliver(ctx context.Context, msg mail.Message) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := q.sender.Send(sendCtx, msg); err != nil {
		q.logger.Error("mail delivery failed",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	q.logger.Debug("mail delivered", zap.String("to", msg.To), zap.String("subject", msg.Subject))
}
