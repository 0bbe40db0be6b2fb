package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// replaceListScript atomically discards the current list at KEYS[1] and
// repopulates it from ARGV, preserving order. Mirrors the teacher's use of
// preloaded Lua scripts for operations that would otherwise race
// (control_plane/store/redis_versioned.go).
const replaceListScript = `
redis.call("DEL", KEYS[1])
for i = 1, #ARGV do
	redis.call("RPUSH", KEYS[1], ARGV[i])
end
return 1
`

// RedisStore implements Store on top of Redis, the orchestrator's default
// backend. Grounded on control_plane/store/redis.go.
type RedisStore struct {
	client         *redis.Client
	replaceListSHA string
}

// NewRedisStore connects to addr and preloads the Lua scripts the store
// relies on for atomic list replacement.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, replaceListScript).Result()
	if err != nil {
		return nil, err
	}

	return &RedisStore{client: client, replaceListSHA: sha}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) ListPushTail(ctx context.Context, key string, value []byte) error {
	return s.client.RPush(ctx, key, value).Err()
}

func (s *RedisStore) ListPopHead(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStore) ListLen(ctx context.Context, key string) (int, error) {
	n, err := s.client.LLen(ctx, key).Result()
	return int(n), err
}

func (s *RedisStore) ListSnapshot(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) ListReplace(ctx context.Context, key string, values [][]byte) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := s.client.EvalSha(ctx, s.replaceListSHA, []string{key}, args...).Result()
	if err != nil && isNoScriptErr(err) {
		_, err = s.client.Eval(ctx, replaceListScript, []string{key}, args...).Result()
	}
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func isNoScriptErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// renewLeaseScript extends key's TTL only if it is still held by value.
// Mirrors the compare-and-pexpire script the teacher uses for lock renewal
// (control_plane/store/redis.go).
const renewLeaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// releaseLeaseScript deletes key only if it is still held by value.
const releaseLeaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// AcquireLease implements store.Coordinator for the leader elector's Redis
// lease (SET NX PX).
func (s *RedisStore) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, renewLeaseScript, []string{key}, value, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, value string) error {
	_, err := s.client.Eval(ctx, releaseLeaseScript, []string{key}, value).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
