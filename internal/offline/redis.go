package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps one list per faculty and priority, LPUSH on enqueue and
// RPOP on drain.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "consultease:offline"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) key(facultyID int64, p Priority) string {
	return fmt.Sprintf("%s:%d:%s", q.prefix, facultyID, p)
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if !validPriority(msg.Priority) {
		return fmt.Errorf("offline: invalid priority %d", msg.Priority)
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key(msg.FacultyID, msg.Priority), raw).Err()
}

func (q *RedisQueue) Drain(ctx context.Context, facultyID int64) ([]Message, error) {
	var out []Message
	for _, p := range priorities {
		key := q.key(facultyID, p)
		for {
			raw, err := q.client.RPop(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return out, err
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				slog.Warn("dropping unreadable offline message", "key", key, "error", err)
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context, facultyID int64) (int, error) {
	total := 0
	for _, p := range priorities {
		n, err := q.client.LLen(ctx, q.key(facultyID, p)).Result()
		if err != nil {
			return 0, err
		}
		total += int(n)
	}
	return total, nil
}
