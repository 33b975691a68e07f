package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize   = 256
	defaultWorkerCount = 4
)

var (
	ErrQueueFull     = errors.New("notification queue full")
	ErrQueueClosed   = errors.New("notification queue closed")
	ErrNilDependency = errors.New("nil dependency")
)

// Handler processes one notification. Returning an error wrapping a retryable condition asks the
// transport to redeliver.
type Handler interface {
	HandleNotification(ctx context.Context, notification Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, notification Notification) error

// HandleNotification calls fn.
func (fn HandlerFunc) HandleNotification(ctx context.Context, notification Notification) error {
	return fn(ctx, notification)
}

// Dispatcher hands accepted notifications over to asynchronous verification.
type Dispatcher interface {
	Dispatch(ctx context.Context, notification Notification) error
}

// MemoryDispatcher is a bounded in-process queue drained by a fixed worker pool.
// Enqueued notifications are lost on crash; the reconciliation sweep covers them.
type MemoryDispatcher struct {
	queue   chan Notification
	workers int
	handler Handler
	logger  *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryDispatcher builds the dispatcher. Non-positive sizes select defaults.
func NewMemoryDispatcher(handler Handler, queueSize int, workers int, logger *zap.Logger) (*MemoryDispatcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler", ErrNilDependency)
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryDispatcher{
		queue:   make(chan Notification, queueSize),
		workers: workers,
		handler: handler,
		logger:  logger,
		closed:  make(chan struct{}),
	}, nil
}

// Dispatch enqueues without blocking. A full queue fails with ErrQueueFull so the ingress can
// answer with a retryable status.
func (dispatcher *MemoryDispatcher) Dispatch(_ context.Context, notification Notification) error {
	select {
	case <-dispatcher.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case dispatcher.queue <- notification:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled or Close is called, then finishes queued work.
func (dispatcher *MemoryDispatcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < dispatcher.workers; index++ {
		group.Go(func() error {
			dispatcher.work(groupCtx)
			return nil
		})
	}
	return group.Wait()
}

// Close stops intake. Workers exit once the queue is drained.
func (dispatcher *MemoryDispatcher) Close() {
	dispatcher.closeOnce.Do(func() {
		close(dispatcher.closed)
	})
}

func (dispatcher *MemoryDispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-dispatcher.queue:
			dispatcher.handle(ctx, notification)
		case <-dispatcher.closed:
			for {
				select {
				case notification := <-dispatcher.queue:
					dispatcher.handle(ctx, notification)
				default:
					return
				}
			}
		}
	}
}

func (dispatcher *MemoryDispatcher) handle(ctx context.Context, notification Notification) {
	if err := dispatcher.handler.HandleNotification(ctx, notification); err != nil {
		dispatcher.logger.Warn("notification handling failed",
			zap.String("payment_id", notification.PaymentID.String()),
			zap.String("action", notification.Action),
			zap.Error(err),
		)
	}
}
