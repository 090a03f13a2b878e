package reviewlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's marker.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
local ok, decoded = pcall(cjson.decode, current)
if ok and decoded["token"] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript rewrites the marker and its expiry only while it still holds
// the caller's token.
var refreshScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
local ok, decoded = pcall(cjson.decode, current)
if ok and decoded["token"] == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

// RedisLocker keeps markers as redis keys written with SET NX. When a lease TTL
// is configured the key carries a PX expiry so redis itself drops stale locks.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// RedisOptions addresses the redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisLocker connects to redis and verifies the connection.
func NewRedisLocker(ctx context.Context, ropts RedisOptions, opts Options) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ropts.Addr,
		Password: ropts.Password,
		DB:       ropts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisLocker(client, ropts.Prefix, opts), nil
}

func newRedisLocker(client redis.UniversalClient, prefix string, opts Options) *RedisLocker {
	if prefix == "" {
		prefix = "dtiqc"
	}
	return &RedisLocker{client: client, prefix: prefix, opts: opts}
}

func (r *RedisLocker) key(code string) string {
	return fmt.Sprintf("%s:review_lock:%s:%s", r.prefix, r.opts.Project, code)
}

// Acquire writes the marker with SET NX.
func (r *RedisLocker) Acquire(ctx context.Context, code, step string) (Lock, error) {
	if err := validateCode(code); err != nil {
		return Lock{}, err
	}
	lock := r.opts.newLock(code, step)
	payload, err := json.Marshal(lock)
	if err != nil {
		return Lock{}, fmt.Errorf("encode review lock: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(code), payload, r.opts.LeaseTTL).Result()
	if err != nil {
		return Lock{}, fmt.Errorf("set review lock: %w", err)
	}
	if ok {
		return lock, nil
	}
	held, err := r.Peek(ctx, code)
	if err != nil {
		return Lock{}, err
	}
	if held == nil {
		held = &Lock{Project: r.opts.Project, Code: code}
	}
	return Lock{}, &HeldError{Lock: *held}
}

// Release deletes the key if it still carries lock's token.
func (r *RedisLocker) Release(ctx context.Context, lock Lock) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(lock.Code)}, lock.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release review lock: %w", err)
	}
	return nil
}

// Refresh resets the key's payload and PX expiry while it carries lock's token.
func (r *RedisLocker) Refresh(ctx context.Context, lock Lock) (Lock, error) {
	if r.opts.LeaseTTL <= 0 {
		return lock, nil
	}
	renewed := r.opts.renewed(lock)
	payload, err := json.Marshal(renewed)
	if err != nil {
		return Lock{}, fmt.Errorf("encode review lock: %w", err)
	}
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(lock.Code)},
		lock.Token, payload, r.opts.LeaseTTL.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lock{}, fmt.Errorf("refresh review lock: %w", err)
	}
	if n == 0 {
		return Lock{}, lostError(lock)
	}
	return renewed, nil
}

// Clear force-removes the key for code.
func (r *RedisLocker) Clear(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.key(code)).Err(); err != nil {
		return fmt.Errorf("clear review lock: %w", err)
	}
	return nil
}

// Peek returns the marker stored for code, or nil.
func (r *RedisLocker) Peek(ctx context.Context, code string) (*Lock, error) {
	data, err := r.client.Get(ctx, r.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read review lock: %w", err)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return &Lock{Project: r.opts.Project, Code: code}, nil
	}
	return &lock, nil
}

// List scans the project's keys and returns their markers sorted by code.
func (r *RedisLocker) List(ctx context.Context) ([]Lock, error) {
	pattern := fmt.Sprintf("%s:review_lock:%s:*", r.prefix, r.opts.Project)
	var locks []Lock
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read review lock: %w", err)
		}
		var lock Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			continue
		}
		locks = append(locks, lock)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan review locks: %w", err)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Code < locks[j].Code })
	return locks, nil
}

// Close closes the redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
