// Package queue is the task source workers consume from and the publisher
// feeds. Every backend delivers at least once and holds one unsettled
// delivery per consumer.
package queue

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("queue closed")
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Delivery is one claimed task. Exactly one of Ack, Reject or Release must be
// called.
type Delivery interface {
	Body() []byte
	// Ack removes the task for good after successful processing.
	Ack(ctx context.Context) error
	// Reject drops a task that can never succeed. It is not redelivered.
	Reject(ctx context.Context) error
	// Release hands the task back unacknowledged so the broker can
	// redeliver it.
	Release(ctx context.Context) error
}

type Source interface {
	// Next blocks until a task is available. It returns ErrClosed once the
	// source can no longer deliver.
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	// Depth is the number of tasks waiting to be delivered.
	Depth(ctx context.Context) (int, error)
	Close() error
}
