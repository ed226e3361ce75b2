package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP is a durable RabbitMQ queue on the default exchange. Each instance
// owns its connection and channel; consumers should not share one.
type AMQP struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

var (
	_ Source    = (*AMQP)(nil)
	_ Publisher = (*AMQP)(nil)
)

func DialAMQP(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQP{conn: conn, ch: ch, queue: queue}, nil
}

func (q *AMQP) Publish(ctx context.Context, body []byte) error {
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.queue, err)
	}
	return nil
}

// Depth counts ready messages only; deliveries held unacknowledged by a
// consumer are not included.
func (q *AMQP) Depth(context.Context) (int, error) {
	state, err := q.ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", q.queue, err)
	}
	return state.Messages, nil
}

func (q *AMQP) Next(ctx context.Context) (Delivery, error) {
	q.consumeOnce.Do(func() {
		if err := q.ch.Qos(1, 0, false); err != nil {
			q.consumeErr = fmt.Errorf("set prefetch: %w", err)
			return
		}
		tag := "mailthread-" + uuid.NewString()
		q.deliveries, q.consumeErr = q.ch.Consume(q.queue, tag, false, false, false, false, nil)
		if q.consumeErr != nil {
			q.consumeErr = fmt.Errorf("consume %s: %w", q.queue, q.consumeErr)
		}
	})
	if q.consumeErr != nil {
		return nil, q.consumeErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, fmt.Errorf("%w: amqp delivery channel for %s", ErrClosed, q.queue)
		}
		return &amqpDelivery{d: d}, nil
	}
}

func (q *AMQP) Close() error {
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d *amqpDelivery) Body() []byte { return d.d.Body }

func (d *amqpDelivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

func (d *amqpDelivery) Reject(context.Context) error {
	return d.d.Reject(false)
}

func (d *amqpDelivery) Release(context.Context) error {
	return d.d.Nack(false, true)
}
