package kafka

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/events"
	"github.com/segmentio/kafka-go"
)

// Producer writes asynchronously from a buffered inbox. Topics are set per
// message so one producer serves every lifecycle topic.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	logger  *log.Logger
}

func NewProducer(brokers []string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		logger:  log.New(os.Stderr, "kafka ", log.LstdFlags|log.LUTC),
	}
}

// Run drains the inbox until ctx is done, then flushes what is left and
// closes the writer.
func (p *Producer) Run(ctx context.Context) error {
	defer close(p.closeCh)
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return p.w.Close()
		case m := <-p.inbox:
			p.write(m)
		}
	}
}

func (p *Producer) flush() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Printf("write failed topic=%s key=%s err=%v", m.Topic, m.Key, err)
	}
}

// Send queues a raw message. It gives up when ctx ends before the inbox has
// room.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.closeCh:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends one message synchronously and reports whether the broker
// acknowledged it.
func (p *Producer) Write(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	})
}

// Publish implements events.Publisher. The correlation id is the partition
// key.
func (p *Producer) Publish(ctx context.Context, topic string, env events.Envelope) error {
	value, headers, err := Encode(env)
	if err != nil {
		return err
	}
	return p.Send(ctx, topic, events.PartitionKey(env.CorrelationID), value, headers...)
}

// WaitClosed blocks until Run has flushed and returned.
func (p *Producer) WaitClosed() { <-p.closeCh }
