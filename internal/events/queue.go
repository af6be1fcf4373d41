package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"coldroom/monitor-server/internal/model"
)

var (
	// ErrQueueFull is returned when the queue has no room for another sample. The sample is dropped.
	ErrQueueFull = errors.New("event queue full")
	// ErrQueueClosed is returned by Publish after Close.
	ErrQueueClosed = errors.New("event queue closed")
)

const (
	DefaultQueueSize    = 1024
	DefaultDrainTimeout = 5 * time.Second
)

// QueueOptions tunes a Queue. Zero values select the defaults.
type QueueOptions struct {
	Size         int
	DrainTimeout time.Duration
	// OnFailure is called from the worker goroutine for every sample the downstream publisher rejects.
	OnFailure func(sample model.Sample, err error)
	Logger    *slog.Logger
}

// Queue decouples callers from a slow or unreachable downstream Publisher. Publish only enqueues;
// a single worker delivers samples in order.
type Queue struct {
	next      Publisher
	queue     chan model.Sample
	onFailure func(model.Sample, error)
	drain     time.Duration
	log       *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewQueue starts the delivery worker for next.
func NewQueue(next Publisher, opts QueueOptions) *Queue {
	if opts.Size <= 0 {
		opts.Size = DefaultQueueSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	q := &Queue{
		next:      next,
		queue:     make(chan model.Sample, opts.Size),
		onFailure: opts.OnFailure,
		drain:     opts.DrainTimeout,
		log:       opts.Logger.With("component", "event-queue"),
		done:      make(chan struct{}),
	}
	q.runCtx, q.cancel = context.WithCancel(context.Background())
	go q.run()
	return q
}

// Publish enqueues sample without blocking. ctx is not used for delivery.
func (q *Queue) Publish(_ context.Context, sample model.Sample) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.queue <- sample:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many samples are waiting for delivery.
func (q *Queue) Len() int { return len(q.queue) }

// Close stops accepting samples and delivers what is queued. Delivery still pending after the
// drain timeout is cancelled. The downstream publisher is closed last.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.queue)
		q.mu.Unlock()

		timer := time.NewTimer(q.drain)
		defer timer.Stop()
		select {
		case <-q.done:
		case <-timer.C:
			q.log.Warn("event queue drain timed out", "pending", len(q.queue))
			q.cancel()
			<-q.done
		}
		q.cancel()
		q.closeErr = q.next.Close()
	})
	return q.closeErr
}

func (q *Queue) run() {
	defer close(q.done)
	for sample := range q.queue {
		if err := q.next.Publish(q.runCtx, sample); err != nil {
			if q.onFailure != nil {
				q.onFailure(sample, err)
			} else {
				q.log.Warn("deliver sample event", "room_id", sample.RoomID, "error", err)
			}
		}
	}
}
