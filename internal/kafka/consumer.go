package kafka

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler returns nil only when the message is done and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

// DeadLetter parks a message the handler kept failing on. A nil return lets
// the consumer commit past it.
type DeadLetter func(ctx context.Context, m kafka.Message) error

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultMaxAttempts = 8
	defaultBackoff     = 200 * time.Millisecond
	maxBackoff         = 10 * time.Second
	laneBuffer         = 256
)

type Consumer struct {
	r           Reader
	workers     int
	maxAttempts int
	backoff     time.Duration
	deadLetter  DeadLetter
	logger      *log.Logger
}

type ConsumerOption func(*Consumer)

// WithRetry sets how often a failing message is handled before it is
// dead-lettered, and the first pause between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithDeadLetter sets where exhausted messages go. Without one a failing
// message is retried until it succeeds or the consumer stops.
func WithDeadLetter(fn DeadLetter) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = fn }
}

func NewConsumer(brokers []string, group, topic string, workers int, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, opts...)
}

func newConsumer(r Reader, workers int, opts ...ConsumerOption) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	c := &Consumer{
		r:           r,
		workers:     workers,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		logger:      log.New(os.Stderr, "kafka ", log.LstdFlags|log.LUTC),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start fetches messages until ctx is done. Each partition is pinned to one
// worker, so its messages are handled and committed in offset order. A
// failing message blocks its partition while it is retried with backoff;
// it is committed only once handled or dead-lettered. Messages still in
// flight at shutdown stay uncommitted and are redelivered.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, laneBuffer)
		wg.Add(1)
		go func(id int, in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if !c.process(ctx, id, m, h) {
					return
				}
			}
		}(i, lanes[i])
	}
	defer wg.Wait()
	defer func() {
		for _, l := range lanes {
			close(l)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// process handles m until it succeeds or is dead-lettered, then commits
// it. It reports false when ctx ended first.
func (c *Consumer) process(ctx context.Context, worker int, m kafka.Message, h Handler) bool {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := h(ctx, m)
		if err == nil {
			break
		}
		c.logger.Printf("worker=%d handle failed topic=%s partition=%d offset=%d attempt=%d err=%v",
			worker, m.Topic, m.Partition, m.Offset, attempt, err)

		if attempt >= c.maxAttempts && c.deadLetter != nil {
			dlErr := c.deadLetter(ctx, m)
			if dlErr == nil {
				c.logger.Printf("worker=%d dead-lettered partition=%d offset=%d", worker, m.Partition, m.Offset)
				break
			}
			c.logger.Printf("worker=%d dead-letter failed offset=%d err=%v", worker, m.Offset, dlErr)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}
		wait = min(wait*2, maxBackoff)
	}

	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.logger.Printf("worker=%d commit failed offset=%d err=%v", worker, m.Offset, err)
	}
	return true
}
