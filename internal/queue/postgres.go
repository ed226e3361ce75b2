package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"horse.fit/mailthread/internal/db"
)

const defaultPostgresPoll = 500 * time.Millisecond

// Postgres keeps tasks in mailthread.tasks. A delivery is a row locked with
// FOR UPDATE SKIP LOCKED inside an open transaction, so a crashed consumer
// hands its task back when the connection drops.
type Postgres struct {
	pool  *db.Pool
	queue string
	poll  time.Duration
}

var (
	_ Source    = (*Postgres)(nil)
	_ Publisher = (*Postgres)(nil)
)

func NewPostgres(pool *db.Pool, queue string, poll time.Duration) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if poll <= 0 {
		poll = defaultPostgresPoll
	}
	return &Postgres{pool: pool, queue: queue, poll: poll}, nil
}

func (q *Postgres) Publish(ctx context.Context, body []byte) error {
	const stmt = `INSERT INTO mailthread.tasks (queue_name, body, enqueued_at) VALUES ($1, $2, now())`
	if _, err := q.pool.Exec(ctx, stmt, q.queue, string(body)); err != nil {
		return fmt.Errorf("enqueue task on %s: %w", q.queue, err)
	}
	return nil
}

// Depth counts every task not yet acknowledged or rejected, including ones a
// consumer currently holds.
func (q *Postgres) Depth(ctx context.Context) (int, error) {
	const query = `SELECT count(*) FROM mailthread.tasks WHERE queue_name = $1 AND rejected_at IS NULL`
	var depth int
	if err := q.pool.QueryRow(ctx, query, q.queue).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count tasks on %s: %w", q.queue, err)
	}
	return depth, nil
}

func (q *Postgres) Next(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		delivery, ok, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return delivery, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Postgres) claim(ctx context.Context) (Delivery, bool, error) {
	tx, err := q.pool.BeginTx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin claim tx: %w", ErrClosed, err)
	}

	const query = `
SELECT task_id, body
FROM mailthread.tasks
WHERE queue_name = $1
  AND rejected_at IS NULL
ORDER BY task_id
LIMIT 1
FOR UPDATE SKIP LOCKED
`
	var (
		taskID int64
		body   string
	)
	if err := tx.QueryRow(ctx, query, q.queue).Scan(&taskID, &body); err != nil {
		_ = tx.Rollback(ctx)
		if db.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim task on %s: %w", q.queue, err)
	}
	return &postgresDelivery{tx: tx, taskID: taskID, body: []byte(body)}, true, nil
}

// Close is a no-op; the pool is owned by whoever opened it.
func (q *Postgres) Close() error {
	return nil
}

type postgresDelivery struct {
	tx     db.Tx
	taskID int64
	body   []byte

	mu      sync.Mutex
	settled bool
}

func (d *postgresDelivery) Body() []byte { return d.body }

func (d *postgresDelivery) Ack(ctx context.Context) error {
	return d.finish(ctx, `DELETE FROM mailthread.tasks WHERE task_id = $1`)
}

func (d *postgresDelivery) Reject(ctx context.Context) error {
	return d.finish(ctx, `UPDATE mailthread.tasks SET rejected_at = now() WHERE task_id = $1`)
}

func (d *postgresDelivery) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	if err := d.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("release task %d: %w", d.taskID, err)
	}
	return nil
}

func (d *postgresDelivery) finish(ctx context.Context, stmt string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true

	if _, err := d.tx.Exec(ctx, stmt, d.taskID); err != nil {
		_ = d.tx.Rollback(ctx)
		return fmt.Errorf("settle task %d: %w", d.taskID, err)
	}
	if err := d.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit task %d: %w", d.taskID, err)
	}
	return nil
}
