// Package gateway applies payment gateway callbacks delivered over Kafka.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	kafkax "github.com/ariefcatur/go-credential-orders/internal/kafka"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	kafkago "github.com/segmentio/kafka-go"
)

type Webhooks interface {
	ProcessWebhook(ctx context.Context, transactionID, reportedStatus string, raw []byte) (payments.Payment, error)
}

type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Consumer struct {
	webhooks Webhooks
	dedup    Deduper
	logger   *log.Logger
}

// NewConsumer builds a callback consumer. dedup may be nil.
func NewConsumer(webhooks Webhooks, dedup Deduper, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.New(os.Stderr, "gateway ", log.LstdFlags|log.LUTC)
	}
	return &Consumer{webhooks: webhooks, dedup: dedup, logger: logger}
}

// HandleCallback is the kafka.Handler for the callback topic. It returns an
// error only when handling the same message again may succeed, such as a
// callback that arrived before its transaction id was attached; the
// consumer then retries it in place. Bad or conflicting callbacks are
// logged and committed.
func (c *Consumer) HandleCallback(ctx context.Context, m kafkago.Message) error {
	id := messageID(m)

	if c.dedup != nil {
		fresh, err := c.dedup.Claim(ctx, id)
		if err != nil {
			c.logger.Printf("dedup unavailable id=%s err=%v", id, err)
		} else if !fresh {
			return nil
		}
	}

	err := c.apply(ctx, m)
	if err != nil && c.dedup != nil {
		if ferr := c.dedup.Forget(ctx, id); ferr != nil {
			c.logger.Printf("dedup forget failed id=%s err=%v", id, ferr)
		}
	}
	return err
}

func (c *Consumer) apply(ctx context.Context, m kafkago.Message) error {
	w, err := payments.ParseWebhook(m.Value)
	if err != nil {
		c.logger.Printf("dropping malformed callback offset=%d err=%v", m.Offset, err)
		return nil
	}

	p, err := c.webhooks.ProcessWebhook(ctx, w.TransactionID, w.Status, m.Value)
	switch {
	case err == nil:
		c.logger.Printf("callback applied transaction=%s payment=%s status=%s", w.TransactionID, p.ID, p.Status)
		return nil
	case errors.Is(err, payments.ErrInvalidPaymentStatus), errors.Is(err, payments.ErrWebhookConflict):
		c.logger.Printf("callback needs reconciliation transaction=%s status=%q err=%v", w.TransactionID, w.Status, err)
		return nil
	default:
		return fmt.Errorf("apply callback transaction=%s: %w", w.TransactionID, err)
	}
}

// messageID prefers the producer's event id and falls back to the log
// position.
func messageID(m kafkago.Message) string {
	if id := kafkax.Header(m, kafkax.HeaderEventID); id != "" {
		return id
	}
	return fmt.Sprintf("%s:%d:%d", m.Topic, m.Partition, m.Offset)
}
