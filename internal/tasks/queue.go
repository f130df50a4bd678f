package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys of the queue
const (
	DefaultPrefix = "ip2tor:tasks"
	scheduledKey  = ":scheduled"
	inflightKey   = ":inflight"
	readyKey      = ":ready:"
	lockKey       = ":lock:"
)

// DefaultLease is how long a dequeued task stays claimed before it is
// handed out again.
const DefaultLease = 10 * time.Minute

// promoteBatch bounds how many tasks one promotion moves per set.
const promoteBatch = 100

// claimPoll is the pause between claim attempts on an empty queue.
const claimPoll = 200 * time.Millisecond

// Queue stores tasks until a worker picks them up. Delivery is at least
// once: a dequeued task is claimed until it is acked, and a claim that is
// neither acked nor nacked within its lease is queued again.
type Queue interface {
	// Enqueue makes t available after delay; a zero delay queues it at once.
	Enqueue(ctx context.Context, t *Task, delay time.Duration) error
	// Dequeue claims the next ready task, higher priorities first. It
	// blocks up to timeout and returns nil without error when none arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	// Ack drops the claim of a finished task.
	Ack(ctx context.Context, t *Task) error
	// Nack drops the claim and queues the task again after delay.
	Nack(ctx context.Context, t *Task, delay time.Duration) error
	// Promote moves delayed tasks that are due at now, and claims whose
	// lease ran out, to the ready lists.
	Promote(ctx context.Context, now time.Time) (int, error)
	// Lock takes a lease on key for ttl. It reports false if someone else holds it.
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// promoteScript moves due members of a sorted set (KEYS[1]) to the ready
// list of their priority (KEYS[2..4] for high, default, low) in one step so
// two promoters never queue a task twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	local ok, task = pcall(cjson.decode, member)
	local target = KEYS[3]
	if ok and task.priority == 'high' then
		target = KEYS[2]
	elseif ok and task.priority == 'low' then
		target = KEYS[4]
	end
	redis.call('ZREM', KEYS[1], member)
	redis.call('RPUSH', target, member)
end
return #due
`)

// claimScript pops the first task of the ready lists KEYS[2..n] and records
// it in the inflight set KEYS[1] with the lease deadline ARGV[1].
var claimScript = redis.NewScript(`
for i = 2, #KEYS do
	local member = redis.call('LPOP', KEYS[i])
	if member then
		redis.call('ZADD', KEYS[1], ARGV[1], member)
		return member
	end
end
return false
`)

// RedisQueue keeps delayed tasks in a sorted set scored by their due time,
// ready tasks in one list per priority and claimed tasks in a sorted set
// scored by their lease deadline.
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, lease: DefaultLease}
}

// SetLease overrides DefaultLease.
func (q *RedisQueue) SetLease(d time.Duration) {
	q.lease = d
}

func (q *RedisQueue) scheduled() string { return q.prefix + scheduledKey }
func (q *RedisQueue) inflight() string  { return q.prefix + inflightKey }

func (q *RedisQueue) ready(p Priority) string { return q.prefix + readyKey + string(p.normalize()) }

func (q *RedisQueue) readyLists() []string {
	keys := make([]string, 0, len(priorities))
	for _, p := range priorities {
		keys = append(keys, q.ready(p))
	}
	return keys
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *Task, delay time.Duration) error {
	return q.push(ctx, q.rdb, t, delay)
}

func (q *RedisQueue) push(ctx context.Context, c redis.Cmdable, t *Task, delay time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if delay <= 0 {
		if err := c.RPush(ctx, q.ready(t.Priority), raw).Err(); err != nil {
			return fmt.Errorf("push task %s: %w", t.Type, err)
		}
		return nil
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := c.ZAdd(ctx, q.scheduled(), redis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule task %s: %w", t.Type, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	keys := append([]string{q.inflight()}, q.readyLists()...)
	deadline := time.Now().Add(timeout)
	for {
		leaseEnd := time.Now().Add(q.lease).UnixMilli()
		raw, err := claimScript.Run(ctx, q.rdb, keys, leaseEnd).Text()
		switch {
		case err == nil:
			t := &Task{}
			if err := json.Unmarshal([]byte(raw), t); err != nil {
				_ = q.rdb.ZRem(ctx, q.inflight(), raw).Err()
				return nil, fmt.Errorf("decode task: %w", err)
			}
			t.raw = raw
			return t, nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("claim task: %w", err)
		}

		wait := min(claimPoll, time.Until(deadline))
		if wait <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, t *Task) error {
	if t.raw == "" {
		return nil
	}
	if err := q.rdb.ZRem(ctx, q.inflight(), t.raw).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", t.ID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, t *Task, delay time.Duration) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if t.raw != "" {
			pipe.ZRem(ctx, q.inflight(), t.raw)
		}
		return q.push(ctx, pipe, t, delay)
	})
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	return nil
}

func (q *RedisQueue) Promote(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, set := range []string{q.scheduled(), q.inflight()} {
		n, err := promoteScript.Run(ctx, q.rdb,
			append([]string{set}, q.readyLists()...),
			strconv.FormatInt(now.UnixMilli(), 10), promoteBatch,
		).Int()
		if err != nil {
			return total, fmt.Errorf("promote tasks: %w", err)
		}
		total += n
	}
	return total, nil
}

func (q *RedisQueue) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, q.prefix+lockKey+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	return ok, nil
}

// Pending reports how many tasks are delayed and ready. Claimed tasks
// count as ready.
func (q *RedisQueue) Pending(ctx context.Context) (scheduled, ready int64, err error) {
	pipe := q.rdb.Pipeline()
	zc := pipe.ZCard(ctx, q.scheduled())
	ic := pipe.ZCard(ctx, q.inflight())
	var lists []*redis.IntCmd
	for _, key := range q.readyLists() {
		lists = append(lists, pipe.LLen(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue length: %w", err)
	}
	ready = ic.Val()
	for _, l := range lists {
		ready += l.Val()
	}
	return zc.Val(), ready, nil
}
