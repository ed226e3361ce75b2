package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"horse.fit/mailthread/internal/db"
)

// Postgres stores the key space in three tables of the mailthread schema.
// Locks are session advisory locks, so ttl is ignored: a crashed holder
// releases its lock when its connection drops.
type Postgres struct {
	pool *db.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *db.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Incr(ctx context.Context, key string) (int64, error) {
	const q = `
INSERT INTO mailthread.state_counters (key, value)
VALUES ($1, 1)
ON CONFLICT (key) DO UPDATE SET value = mailthread.state_counters.value + 1
RETURNING value
`
	var value int64
	if err := p.pool.QueryRow(ctx, q, key).Scan(&value); err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) HSet(ctx context.Context, key, field, value string) error {
	const q = `
INSERT INTO mailthread.state_hashes (key, field, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
`
	if _, err := p.pool.Exec(ctx, q, key, field, value); err != nil {
		return fmt.Errorf("set hash field %s %s: %w", key, field, err)
	}
	return nil
}

func (p *Postgres) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	const q = `
INSERT INTO mailthread.state_hashes (key, field, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key, field) DO NOTHING
`
	tag, err := p.pool.Exec(ctx, q, key, field, value)
	if err != nil {
		return false, fmt.Errorf("set hash field if absent %s %s: %w", key, field, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) HGet(ctx context.Context, key, field string) (string, bool, error) {
	const q = `SELECT value FROM mailthread.state_hashes WHERE key = $1 AND field = $2`
	var value string
	err := p.pool.QueryRow(ctx, q, key, field).Scan(&value)
	if err != nil {
		if db.IsNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get hash field %s %s: %w", key, field, err)
	}
	return value, true, nil
}

func (p *Postgres) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	const q = `SELECT field, value FROM mailthread.state_hashes WHERE key = $1`
	rows, err := p.pool.Query(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("get hash %s: %w", key, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan hash %s: %w", key, err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hash %s: %w", key, err)
	}
	return out, nil
}

func (p *Postgres) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	const q = `
INSERT INTO mailthread.state_set_members (key, member)
SELECT $1, m FROM unnest($2::text[]) AS m
ON CONFLICT (key, member) DO NOTHING
`
	if _, err := p.pool.Exec(ctx, q, key, textArray(sortedUnique(members))); err != nil {
		return fmt.Errorf("add set members %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) SMembers(ctx context.Context, key string) ([]string, error) {
	const q = `SELECT member FROM mailthread.state_set_members WHERE key = $1 ORDER BY member`
	return p.collectStrings(ctx, q, key)
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	const q = `
SELECT key FROM mailthread.state_counters WHERE left(key, length($1)) = $1
UNION
SELECT key FROM mailthread.state_hashes WHERE left(key, length($1)) = $1
UNION
SELECT key FROM mailthread.state_set_members WHERE left(key, length($1)) = $1
`
	keys, err := p.collectStrings(ctx, q, prefix)
	if err != nil {
		return nil, err
	}
	return sortedUnique(keys), nil
}

func (p *Postgres) Lock(ctx context.Context, name string, _ time.Duration) (Unlock, error) {
	conn, err := p.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock %s: %w", name, err)
	}
	lockKey := advisoryKey(name)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, name, ctx.Err())
		}
		return nil, fmt.Errorf("advisory lock %s: %w", name, err)
	}

	return func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
			return fmt.Errorf("advisory unlock %s: %w", name, err)
		}
		return nil
	}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by whoever opened it.
func (p *Postgres) Close() error {
	return nil
}

func (p *Postgres) collectStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query strings: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strings: %w", err)
	}
	return out, nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mailthread:" + name))
	return int64(h.Sum64())
}

// textArray renders values as a Postgres array literal. Passing it as text
// keeps the driver from expanding a Go slice into separate parameters.
func textArray(values []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, value := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		for _, ch := range value {
			if ch == '"' || ch == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(ch)
		}
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
