package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohans/genq/task"
)

// Redis implements Store with Redis lists (LPUSH/BRPOP), hashes for the
// record maps and a sorted set per map holding expiry deadlines.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

// Option configures a Redis store.
type Option func(*Redis)

// WithClock overrides the clock used for expiry deadlines.
func WithClock(now func() time.Time) Option {
	return func(r *Redis) { r.now = now }
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{client: client, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open connects to a single Redis server.
func Open(addr, password string, db int, opts ...Option) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

func expiryKey(taskMap string) string { return taskMap + ":expiry" }

func (r *Redis) deadline(ttl time.Duration) float64 {
	return float64(r.now().Add(ttl).UnixMilli())
}

func (r *Redis) Submit(ctx context.Context, taskMap, queue string, rec *task.Record, ttl time.Duration) (int64, error) {
	data, err := rec.Marshal()
	if err != nil {
		return 0, wrap("submit", err)
	}
	var push *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// record first so it is visible to status reads before the queue sees it
		pipe.HSet(ctx, taskMap, rec.ID, data)
		if ttl > 0 {
			pipe.ZAdd(ctx, expiryKey(taskMap), redis.Z{Score: r.deadline(ttl), Member: rec.ID})
		}
		push = pipe.LPush(ctx, queue, rec.ID)
		return nil
	})
	if err != nil {
		return 0, wrap("submit", err)
	}
	return push.Val(), nil
}

func (r *Redis) Enqueue(ctx context.Context, queue, id string) error {
	return wrap("enqueue", r.client.LPush(ctx, queue, id).Err())
}

func (r *Redis) Requeue(ctx context.Context, queue, id string) error {
	return wrap("requeue", r.client.RPush(ctx, queue, id).Err())
}

func (r *Redis) Dequeue(ctx context.Context, timeout time.Duration, queues ...string) (string, string, error) {
	res, err := r.client.BRPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", wrap("dequeue", err)
	}
	if len(res) != 2 {
		return "", "", wrap("dequeue", errors.New("unexpected BRPOP reply"))
	}
	return res[0], res[1], nil
}

func (r *Redis) PeekAll(ctx context.Context, queue string) ([]string, error) {
	ids, err := r.client.LRange(ctx, queue, 0, -1).Result()
	if err != nil {
		return nil, wrap("peek", err)
	}
	// LPUSH puts the newest at index 0; BRPOP takes from the tail.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (r *Redis) Remove(ctx context.Context, queue, id string) (bool, error) {
	n, err := r.client.LRem(ctx, queue, 0, id).Result()
	if err != nil {
		return false, wrap("remove", err)
	}
	return n > 0, nil
}

func (r *Redis) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	return n, wrap("queue length", err)
}

func (r *Redis) expired(ctx context.Context, taskMap, id string) (bool, error) {
	score, err := r.client.ZScore(ctx, expiryKey(taskMap), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return score <= float64(r.now().UnixMilli()), nil
}

func (r *Redis) Get(ctx context.Context, taskMap, id string) (*task.Record, error) {
	data, err := r.client.HGet(ctx, taskMap, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	gone, err := r.expired(ctx, taskMap, id)
	if err != nil {
		return nil, wrap("get", err)
	}
	if gone {
		return nil, ErrNotFound
	}
	rec, err := task.Unmarshal(data)
	if err != nil {
		return nil, wrap("decode", err)
	}
	return rec, nil
}

func (r *Redis) Put(ctx context.Context, taskMap string, rec *task.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return wrap("put", err)
	}
	return wrap("put", r.client.HSet(ctx, taskMap, rec.ID, data).Err())
}

// GetAll returns every live record of taskMap. Records that fail to decode
// are skipped.
func (r *Redis) GetAll(ctx context.Context, taskMap string) (map[string]*task.Record, error) {
	raw, err := r.client.HGetAll(ctx, taskMap).Result()
	if err != nil {
		return nil, wrap("get all", err)
	}
	stale, err := r.client.ZRangeByScore(ctx, expiryKey(taskMap), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(r.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, wrap("get all", err)
	}
	skip := make(map[string]bool, len(stale))
	for _, id := range stale {
		skip[id] = true
	}
	out := make(map[string]*task.Record, len(raw))
	for id, data := range raw {
		if skip[id] {
			continue
		}
		rec, err := task.Unmarshal([]byte(data))
		if err != nil {
			continue
		}
		out[id] = rec
	}
	return out, nil
}

func (r *Redis) Expire(ctx context.Context, taskMap, id string, ttl time.Duration) error {
	return wrap("expire", r.client.ZAdd(ctx, expiryKey(taskMap), redis.Z{Score: r.deadline(ttl), Member: id}).Err())
}

func (r *Redis) PurgeExpired(ctx context.Context, taskMap string) (int, error) {
	key := expiryKey(taskMap)
	ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(r.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, wrap("purge", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, taskMap, ids...)
		pipe.ZRem(ctx, key, members...)
		return nil
	})
	if err != nil {
		return 0, wrap("purge", err)
	}
	return len(ids), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return wrap("ping", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error { return r.client.Close() }
